package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/scmtools/scmbridge/internal/config"
	"github.com/scmtools/scmbridge/internal/credentials"
	"github.com/scmtools/scmbridge/pkg/assets"
	"github.com/scmtools/scmbridge/pkg/blob"
	"github.com/scmtools/scmbridge/pkg/bridge"
	"github.com/scmtools/scmbridge/pkg/ref"
	"github.com/scmtools/scmbridge/pkg/vcs"
)

var (
	outdir         string
	rawURL         string
	projectMode    bool
	projectScmsync string
	debug          bool
)

var root = &cobra.Command{
	Use: "scmbridge",
	Run: mn,
}

func mn(_ *cobra.Command, _ []string) {
	os.Exit(run())
}

// run is separate from mn so deferred cleanup executes before the
// process exits.
func run() int {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg, err := config.Load()
	if err != nil {
		return fail(err)
	}

	r, err := ref.Parse(rawURL)
	if err != nil {
		return fail(err)
	}

	env, cleanup, err := credentials.Setup(cfg.Credentials)
	if err != nil {
		return fail(err)
	}
	defer cleanup()

	if r.NoLFS {
		env = append(env, "GIT_LFS_SKIP_SMUDGE=1")
	}

	client := vcs.NewClient(cfg.GitPath, cfg.CriticalServers)
	client.Env = env

	ctx := context.Background()

	pd := &bridge.ProcessData{
		Ref:            r,
		OutDir:         outdir,
		ProjectMode:    projectMode,
		ProjectScmsync: projectScmsync,
		Client:         client,
		Provider:       &vcs.CheckoutProvider{Client: client, ProjectMode: projectMode},
		Assets: &assets.Tools{
			DownloadAssets: cfg.DownloadAssetsPath,
			ExportDebian:   cfg.ExportDebianPath,
			Env:            env,
		},
	}

	if cfg.CacheURL != "" {
		cache, err := blob.FromURL(ctx, cfg.CacheURL)
		if err != nil {
			log.Warn().Err(err).Str("url", cfg.CacheURL).Msg("archive cache unavailable, continuing without it")
		} else {
			pd.Cache = cache
		}
	}

	if err := bridge.Run(ctx, pd); err != nil {
		return fail(err)
	}
	return 0
}

// fail reports a fatal error on stdout, where the service runner
// expects it, and maps it to the process exit code.
func fail(err error) int {
	var cmdErr *vcs.CommandError
	if errors.As(err, &cmdErr) {
		if cmdErr.Transient {
			fmt.Println("TRANSIENT ERROR: retrying later might help")
		}
		fmt.Printf("ERROR: %v\n", err)
		return cmdErr.ExitCode
	}
	fmt.Printf("ERROR: %v\n", err)
	return 1
}

func main() {
	root.Flags().StringVar(&outdir, "outdir", "", "Directory to write the result to")
	_ = root.MarkFlagRequired("outdir")
	root.Flags().StringVar(&rawURL, "url", "", "Repository URL to convert, including options and revision")
	_ = root.MarkFlagRequired("url")
	root.Flags().BoolVar(&projectMode, "projectmode", false, "Generate one package descriptor per submodule or subdirectory instead of checking out sources")
	root.Flags().StringVar(&projectScmsync, "projectscmsync", "", "Reference of the enclosing project, recorded in the sync info file")
	root.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
