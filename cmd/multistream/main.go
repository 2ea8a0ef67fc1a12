// Command multistream runs batched inference over many video sources and
// lays the results out on a shared canvas.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

const version = "v0.3.0"

type options struct {
	configPath   string
	verbose      bool
	capacity     int
	httpAddr     string
	snapshotDir  string
	sourcesFile  string
	exitWhenIdle bool
	dumpDot      string
}

func newRootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "multistream [flags] URI...",
		Short: "Multi-stream batched video inference",
		Long: `multistream decodes several video sources at once, groups one frame per
source into fixed-capacity batches, runs inference on each batch, and tiles
the annotated streams on one canvas.

URIs may be rtsp://, http(s)://, file:// or plain local paths, v4l2 device
nodes, or synthetic://name test patterns. YouTube video and playlist pages
are resolved through yt-dlp when it is installed. Streams can be added and removed
at runtime through the HTTP API or a watched sources file.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, args)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "config file (YAML)")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	f.IntVar(&opts.capacity, "capacity", 0, "batch capacity (overrides config)")
	f.StringVar(&opts.httpAddr, "http-addr", "", "control API listen address, e.g. :8080")
	f.StringVar(&opts.snapshotDir, "snapshot-dir", "", "write composited JPEG snapshots to this directory")
	f.StringVar(&opts.sourcesFile, "sources-file", "", "file listing one URI per line, watched for changes")
	f.BoolVar(&opts.exitWhenIdle, "exit-when-idle", false, "exit once every stream has ended")
	f.StringVar(&opts.dumpDot, "dump-dot", "", "write a Graphviz .dot file of each decoder pipeline to this directory")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Stderr.WriteString("multistream: " + err.Error() + "\n")
		os.Exit(1)
	}
}
