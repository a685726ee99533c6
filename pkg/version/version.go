package version

// Version is overridden at build time via -ldflags "-X offlinenav/pkg/version.Version=...".
var Version = "v0.1.0-dev"
