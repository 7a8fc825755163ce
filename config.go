// Package imagedex wires together the URL resolver, content fetcher,
// perceptual hasher, hash store, submission store, feed adapters, and
// ingestion orchestrator into the two command-line tools in cmd/.
package imagedex

import (
	"github.com/alecthomas/kong"
	"gitlab.com/tozd/go/cli"
	"gitlab.com/tozd/go/zerolog"
)

const (
	// DefaultWorkerCount is the worker-pool width outside quiet hours.
	DefaultWorkerCount = 8
	// DefaultQuietWorkerCount is the worker-pool width during quiet hours.
	DefaultQuietWorkerCount = 2
	// DefaultFetchTimeout is the default content-fetcher timeout, in seconds.
	DefaultFetchTimeout = 20
	// DefaultMaxDistance is the default similar() search radius.
	DefaultMaxDistance = 4
	// DefaultMaxResults is the default cap on similar() result count.
	DefaultMaxResults = 50
)

// PostgresConfig contains configuration for the PostgreSQL database
// connection shared by the hash store and submission store.
//
//nolint:lll
type PostgresConfig struct {
	URL kong.FileContentFlag `env:"URL_PATH" help:"File with PostgreSQL database URL." placeholder:"PATH" required:"" short:"d" yaml:"url"`
}

// ImgurConfig configures the auxiliary API calls the URL resolver makes
// to resolve image-host albums.
//
//nolint:lll
type ImgurConfig struct {
	ClientID    string `env:"CLIENT_ID"    help:"Image-host API client id."      placeholder:"ID"  yaml:"clientId"`
	RapidAPIKey string `env:"RAPIDAPI_KEY" help:"RapidAPI key for the album API." placeholder:"KEY" yaml:"rapidApiKey"`
}

// TimeLimitsConfig configures the "quiet hours" worker-pool width
// reduction: between Start and End (hour-of-day, 0-23, in the
// ingestion process's local time), the worker pool is capped at Count.
//
//nolint:lll
type TimeLimitsConfig struct {
	Start int `default:"0" help:"Quiet hours start hour (0-23)."             placeholder:"HOUR" yaml:"start"`
	End   int `default:"0" help:"Quiet hours end hour (0-23)."               placeholder:"HOUR" yaml:"end"`
	Count int `default:"${defaultQuietWorkerCount}" help:"Worker-pool width during quiet hours." placeholder:"INT" yaml:"count"`
}

// Globals describes top-level (global) flags shared by both commands.
//
//nolint:lll
type Globals struct {
	zerolog.LoggingConfig `yaml:",inline"`

	Version kong.VersionFlag `help:"Show program's version and exit."                         short:"V" yaml:"-"`
	Config  cli.ConfigFlag   `help:"Load configuration from a JSON or YAML file." name:"config" placeholder:"PATH" short:"c" yaml:"-"`

	Postgres PostgresConfig `embed:"" envprefix:"POSTGRES_" prefix:"postgres." yaml:"postgres"`
	Imgur    ImgurConfig    `embed:"" envprefix:"IMGUR_"    prefix:"imgur."    yaml:"imgur"`
}

// Config is the top-level command-line configuration for cmd/imagedex-ingest.
//
//nolint:lll
type Config struct {
	Globals `yaml:"globals"`

	Ingest IngestCommand `cmd:"" default:"withargs" help:"Run the ingestion pipeline against a feed." yaml:"ingest"`
}

// TrieConfig is the top-level command-line configuration for cmd/imagedex-trie.
//
//nolint:lll
type TrieConfig struct {
	Globals `yaml:"globals"`

	Build TrieCommand `cmd:"" default:"withargs" help:"Build a hash trie snapshot from the hash store." yaml:"build"`
}

// IngestCommand contains configuration for the ingest command.
//
//nolint:lll
type IngestCommand struct {
	Feed string `enum:"listing,idrange,sse"        help:"Which feed adapter to run."                           required:""          yaml:"feed"`
	URL  string `help:"Base URL of the feed endpoint."                                                        required:""          yaml:"url"`

	WorkerCount  int              `default:"${defaultWorkerCount}" help:"Worker-pool width outside quiet hours." placeholder:"INT" yaml:"workerCount"`
	TimeLimits   TimeLimitsConfig `embed:""                        prefix:"time-limits."                        yaml:"timeLimits"`
	FetchTimeout int              `default:"${defaultFetchTimeout}" help:"Content fetch timeout, in seconds."    placeholder:"INT" yaml:"fetchTimeout"`
	StartID      int64            `help:"Starting numeric id for the id-range feed adapter."                    placeholder:"ID"  yaml:"startId"`
}

// TrieCommand contains configuration for the trie-build command.
//
//nolint:lll
type TrieCommand struct {
	Output string `help:"Path to write the trie snapshot to." placeholder:"PATH" required:"" short:"o" yaml:"output"`
}
