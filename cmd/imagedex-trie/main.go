// Command imagedex-trie builds a hash trie snapshot from the hash store.
package main

import (
	"github.com/alecthomas/kong"
	"gitlab.com/tozd/go/cli"
	"gitlab.com/tozd/go/errors"

	"gitlab.com/tozd/imagedex"
)

func main() {
	var config imagedex.TrieConfig
	cli.Run(&config, kong.Vars{}, func(ctx *kong.Context) errors.E {
		return errors.WithStack(ctx.Run(&config.Globals))
	})
}
