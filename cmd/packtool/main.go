// Command packtool imports, exports and inspects offline packs directly in the
// offlinenav database, without a running server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"offlinenav/pkg/config"
	"offlinenav/pkg/db"
	"offlinenav/pkg/geo"
	"offlinenav/pkg/model"
	"offlinenav/pkg/pack"
	"offlinenav/pkg/poi"
	"offlinenav/pkg/store"
)

const usage = `usage: packtool [-config path] <command> [flags]

commands:
  list                        list stored packs
  import -file f [-id x]      store an NDJSON POI file as a pack
  export -id x [-geojson]     write a pack's text (or GeoJSON) to stdout or -out
  delete -id x                remove a pack
  estimate                    total reported size of all packs
`

var errUsage = errors.New("invalid usage")

func main() {
	cfgPath := flag.String("config", "configs/offlinenav.yaml", "Path to config file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	database, err := db.Init(cfg.DB.Path)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	mgr := pack.NewManager(store.NewSQLiteStore(database))
	if err := run(context.Background(), mgr, flag.Args(), os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
		}
		log.Fatal(err)
	}
}

func run(ctx context.Context, mgr *pack.Manager, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "list":
		return list(ctx, mgr, out)
	case "import":
		return importPack(ctx, mgr, rest, out)
	case "export":
		return exportPack(ctx, mgr, rest, out)
	case "delete":
		return deletePack(ctx, mgr, rest, out)
	case "estimate":
		est, err := mgr.EstimateSize(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%d packs, %d bytes\n", est.Count, est.TotalBytes)
		return nil
	}
	return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
}

func list(ctx context.Context, mgr *pack.Manager, out io.Writer) error {
	packs, err := mgr.ListPacks(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tITEMS\tBYTES\tENCODING")
	for _, m := range packs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", m.ID, m.CreatedAt.Format(time.DateTime), m.ItemCount, m.SizeBytes, m.Encoding())
	}
	return tw.Flush()
}

func importPack(ctx context.Context, mgr *pack.Manager, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	file := fs.String("file", "", "NDJSON file of POI records")
	id := fs.String("id", "", "Pack id (generated when empty)")
	plain := fs.Bool("plain", false, "Store uncompressed")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if *file == "" {
		return fmt.Errorf("%w: -file is required", errUsage)
	}

	raw, err := os.ReadFile(*file)
	if err != nil {
		return err
	}
	pois, skipped, err := poi.DecodeNDJSON(string(raw))
	if err != nil {
		return err
	}

	m := manifestFor(*id, pois)
	m.SizeBytes = int64(len(raw))
	if !*plain {
		m.ContentEncoding = model.EncodingGzip
	}
	created, err := mgr.CreatePackText(ctx, m, string(raw))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "imported %s: %d items (%d skipped), %d bytes\n", created.ID, created.ItemCount, skipped, created.SizeBytes)
	return nil
}

// manifestFor derives coverage from the records: their bounding box, its
// center, and a radius reaching the box corners.
func manifestFor(id string, pois []model.POI) *model.PackManifest {
	points := make([]geo.Point, 0, len(pois))
	seen := make(map[string]bool)
	var categories []string
	for _, p := range pois {
		points = append(points, geo.Point{Lat: p.Lat, Lon: p.Lon})
		if !seen[p.Category] {
			seen[p.Category] = true
			categories = append(categories, p.Category)
		}
	}
	sort.Strings(categories)

	bbox := geo.BoundOf(points)
	center := model.LonLat{Lon: (bbox.MinLon + bbox.MaxLon) / 2, Lat: (bbox.MinLat + bbox.MaxLat) / 2}
	radius := geo.Distance(geo.Point{Lat: center.Lat, Lon: center.Lon}, geo.Point{Lat: bbox.MaxLat, Lon: bbox.MaxLon})

	return &model.PackManifest{
		ID:           id,
		BBox:         bbox,
		Center:       center,
		RadiusMeters: radius,
		Categories:   categories,
		ItemCount:    len(pois),
	}
}

func exportPack(ctx context.Context, mgr *pack.Manager, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	id := fs.String("id", "", "Pack id")
	asGeoJSON := fs.Bool("geojson", false, "Write a GeoJSON FeatureCollection")
	outPath := fs.String("out", "", "Output file (stdout when empty)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if *id == "" {
		return fmt.Errorf("%w: -id is required", errUsage)
	}

	var body []byte
	if *asGeoJSON {
		pois, err := mgr.PackPOIs(ctx, *id)
		if err != nil {
			return err
		}
		if pois == nil {
			return fmt.Errorf("pack %s not found", *id)
		}
		if body, err = geo.POIFeatures(pois).MarshalJSON(); err != nil {
			return err
		}
	} else {
		res, err := mgr.GetPackText(ctx, *id)
		if err != nil {
			return err
		}
		if res == nil {
			return fmt.Errorf("pack %s not found", *id)
		}
		if res.Degraded {
			log.Printf("WARN: pack %s could not be decompressed, exporting raw bytes", *id)
		}
		body = []byte(res.Text)
	}

	if *outPath == "" {
		_, err := out.Write(body)
		return err
	}
	return os.WriteFile(*outPath, body, 0o644)
}

func deletePack(ctx context.Context, mgr *pack.Manager, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	id := fs.String("id", "", "Pack id")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if *id == "" {
		return fmt.Errorf("%w: -id is required", errUsage)
	}
	removed, err := mgr.DeletePack(ctx, *id)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("pack %s not found", *id)
	}
	fmt.Fprintf(out, "deleted %s\n", *id)
	return nil
}
