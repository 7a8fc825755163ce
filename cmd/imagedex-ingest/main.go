// Command imagedex-ingest runs the ingestion pipeline against a feed.
package main

import (
	"strconv"

	"github.com/alecthomas/kong"
	"gitlab.com/tozd/go/cli"
	"gitlab.com/tozd/go/errors"

	"gitlab.com/tozd/imagedex"
)

func main() {
	var config imagedex.Config
	cli.Run(&config, kong.Vars{
		"defaultWorkerCount":      strconv.Itoa(imagedex.DefaultWorkerCount),
		"defaultQuietWorkerCount": strconv.Itoa(imagedex.DefaultQuietWorkerCount),
		"defaultFetchTimeout":     strconv.Itoa(imagedex.DefaultFetchTimeout),
	}, func(ctx *kong.Context) errors.E {
		return errors.WithStack(ctx.Run(&config.Globals))
	})
}
