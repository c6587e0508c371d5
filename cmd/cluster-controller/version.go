package main

// version is set at release time via -ldflags; "dev" covers plain
// `go build`/`go run` invocations.
var version = "dev"
