// Command mlgit is the CLI surface over the repository package: init, add,
// commit, push, fetch, checkout, log, status, fsck (spec §6, component
// C-CLI). Modeled on the teacher's cmd/ds/ds.go (cli.App with Before/After
// hooks, one cli.Command per verb), but threads its *zap.Logger and
// *config.Config through cli.Context.Metadata instead of a package-level
// var, per the "no ambient singleton" redesign flag.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/mlgit-go/mlgit/config"
	"github.com/mlgit-go/mlgit/metadata"
	"github.com/mlgit-go/mlgit/mlgerr"
	"github.com/mlgit-go/mlgit/progress"
	"github.com/mlgit-go/mlgit/repository"
)

const metaLoggerKey = "mlgit.logger"
const metaConfigKey = "mlgit.config"

func main() {
	app := &cli.App{
		Name:  "mlgit",
		Usage: "content-addressed versioning for ML datasets, models, and labels",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "entity-type",
				Aliases: []string{"e"},
				Value:   "dataset",
				Usage:   "entity type this command operates on (dataset, model, labels, ...)",
				EnvVars: []string{"MLGIT_ENTITY_TYPE"},
			},
		},
		Before: func(c *cli.Context) error {
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			c.App.Metadata[metaLoggerKey] = logger

			cwd, err := os.Getwd()
			if err != nil {
				return err
			}
			cfg, err := config.Load(cwd)
			if err != nil {
				return err
			}
			c.App.Metadata[metaConfigKey] = cfg
			return nil
		},
		After: func(c *cli.Context) error {
			if logger, ok := c.App.Metadata[metaLoggerKey].(*zap.Logger); ok {
				return logger.Sync()
			}
			return nil
		},
		Commands: []*cli.Command{
			initCommand,
			addCommand,
			commitCommand,
			pushCommand,
			fetchCommand,
			checkoutCommand,
			logCommand,
			statusCommand,
			fsckCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "mlgit:", err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	return mlgerr.KindOf(err).ExitCode()
}

func loggerFrom(c *cli.Context) *zap.Logger {
	if l, ok := c.App.Metadata[metaLoggerKey].(*zap.Logger); ok {
		return l
	}
	return zap.NewNop()
}

func configFrom(c *cli.Context) *config.Config {
	if cfg, ok := c.App.Metadata[metaConfigKey].(*config.Config); ok {
		return cfg
	}
	return nil
}

func openRepository(c *cli.Context, cwd string) (*repository.LocalRepository, error) {
	cfg := configFrom(c)
	return repository.Open(cfg, cwd, c.String("entity-type"))
}

var initCommand = &cli.Command{
	Name:  "init",
	Usage: "initialize the object store and metadata tree for an entity type",
	Action: func(c *cli.Context) error {
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		repo, err := openRepository(c, cwd)
		if err != nil {
			return err
		}
		defer repo.Close()
		loggerFrom(c).Info("initialized repository", zap.String("entity_type", c.String("entity-type")))
		return nil
	},
}

var addCommand = &cli.Command{
	Name:      "add",
	Usage:     "stage every file under a workspace directory into the object store",
	ArgsUsage: "<spec-path> <workspace-dir>",
	Action: func(c *cli.Context) error {
		if c.Args().Len() < 2 {
			return mlgerr.New(mlgerr.KindConfig, "mlgit.add", "", errMissingArgs)
		}
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		spec, err := metadata.LoadSpec(c.Args().Get(0))
		if err != nil {
			return err
		}
		repo, err := openRepository(c, cwd)
		if err != nil {
			return err
		}
		defer repo.Close()

		sink := progress.NewTerminal(os.Stdout, "add")
		summary, err := repo.Add(c.Context, spec, c.Args().Get(1), sink)
		if err != nil {
			return err
		}
		loggerFrom(c).Info("add complete",
			zap.Int("added", len(summary.Added)), zap.Int("deleted", len(summary.Deleted)))
		return nil
	},
}

var commitCommand = &cli.Command{
	Name:      "commit",
	Usage:     "record the staged manifest as a new tagged version",
	ArgsUsage: "<spec-path> <message>",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "bump-version", Value: true, Usage: "increment the spec version before committing"},
	},
	Action: func(c *cli.Context) error {
		if c.Args().Len() < 2 {
			return mlgerr.New(mlgerr.KindConfig, "mlgit.commit", "", errMissingArgs)
		}
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		spec, err := metadata.LoadSpec(c.Args().Get(0))
		if err != nil {
			return err
		}
		repo, err := openRepository(c, cwd)
		if err != nil {
			return err
		}
		defer repo.Close()

		tag, err := repo.Commit(c.Context, spec, c.Args().Get(1), c.Bool("bump-version"))
		if err != nil {
			return err
		}
		loggerFrom(c).Info("commit complete", zap.String("tag", tag.String()))
		fmt.Println(tag.String())
		return nil
	},
}

var pushCommand = &cli.Command{
	Name:      "push",
	Usage:     "upload every object referenced by a tag, then mark it published",
	ArgsUsage: "<tag>",
	Action: func(c *cli.Context) error {
		if c.Args().Len() < 1 {
			return mlgerr.New(mlgerr.KindConfig, "mlgit.push", "", errMissingArgs)
		}
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		repo, err := openRepository(c, cwd)
		if err != nil {
			return err
		}
		defer repo.Close()

		sink := progress.NewTerminal(os.Stdout, "push")
		if err := repo.Push(c.Context, c.Args().First(), sink); err != nil {
			return err
		}
		loggerFrom(c).Info("push complete", zap.String("tag", c.Args().First()))
		return nil
	},
}

var fetchCommand = &cli.Command{
	Name:      "fetch",
	Usage:     "download every object referenced by a tag",
	ArgsUsage: "<tag>",
	Action: func(c *cli.Context) error {
		if c.Args().Len() < 1 {
			return mlgerr.New(mlgerr.KindConfig, "mlgit.fetch", "", errMissingArgs)
		}
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		repo, err := openRepository(c, cwd)
		if err != nil {
			return err
		}
		defer repo.Close()

		sink := progress.NewTerminal(os.Stdout, "fetch")
		if err := repo.Fetch(c.Context, c.Args().First(), sink); err != nil {
			return err
		}
		loggerFrom(c).Info("fetch complete", zap.String("tag", c.Args().First()))
		return nil
	},
}

var checkoutCommand = &cli.Command{
	Name:      "checkout",
	Usage:     "materialize a tag's files into a workspace directory",
	ArgsUsage: "<tag> <workspace-dir>",
	Flags: []cli.Flag{
		&cli.Float64Flag{Name: "sampling", Value: 1.0, Usage: "fraction of files to materialize (0,1]"},
	},
	Action: func(c *cli.Context) error {
		if c.Args().Len() < 2 {
			return mlgerr.New(mlgerr.KindConfig, "mlgit.checkout", "", errMissingArgs)
		}
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		repo, err := openRepository(c, cwd)
		if err != nil {
			return err
		}
		defer repo.Close()

		sink := progress.NewTerminal(os.Stdout, "checkout")
		if err := repo.Checkout(c.Context, c.Args().First(), c.Args().Get(1), c.Float64("sampling"), sink); err != nil {
			return err
		}
		loggerFrom(c).Info("checkout complete", zap.String("tag", c.Args().First()))
		return nil
	},
}

var logCommand = &cli.Command{
	Name:      "log",
	Usage:     "show the files added/deleted by an entity's most recent commit",
	ArgsUsage: "<entity-name>",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "fullstat", Usage: "list every added/deleted path instead of just counts"},
	},
	Action: func(c *cli.Context) error {
		if c.Args().Len() < 1 {
			return mlgerr.New(mlgerr.KindConfig, "mlgit.log", "", errMissingArgs)
		}
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		repo, err := openRepository(c, cwd)
		if err != nil {
			return err
		}
		defer repo.Close()

		mode := repository.Stat
		if c.Bool("fullstat") {
			mode = repository.FullStat
		}
		report, err := repo.Log(c.Context, c.Args().First(), mode)
		if err != nil {
			return err
		}
		printReport(report)
		return nil
	},
}

var statusCommand = &cli.Command{
	Name:      "status",
	Usage:     "show the staged diff against the last commit",
	ArgsUsage: "<spec-path>",
	Action: func(c *cli.Context) error {
		if c.Args().Len() < 1 {
			return mlgerr.New(mlgerr.KindConfig, "mlgit.status", "", errMissingArgs)
		}
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		spec, err := metadata.LoadSpec(c.Args().Get(0))
		if err != nil {
			return err
		}
		repo, err := openRepository(c, cwd)
		if err != nil {
			return err
		}
		defer repo.Close()

		report, err := repo.Status(spec)
		if err != nil {
			return err
		}
		printReport(report)
		return nil
	},
}

var fsckCommand = &cli.Command{
	Name:  "fsck",
	Usage: "verify every object's content against its own CID",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "storage", Usage: "scheme://bucket to attempt repair downloads from"},
		&cli.BoolFlag{Name: "reset-log", Usage: "truncate store.log once a clean pass confirms no corruption"},
	},
	Action: func(c *cli.Context) error {
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		repo, err := openRepository(c, cwd)
		if err != nil {
			return err
		}
		defer repo.Close()

		report, err := repo.Fsck(c.Context, c.String("storage"), nil, c.Bool("reset-log"))
		if err != nil {
			return err
		}
		fmt.Printf("corrupted: %d, repaired: %d\n", len(report.Corrupted), len(report.Repaired))
		return nil
	},
}

func printReport(r repository.LogReport) {
	fmt.Printf("total: %d, added: %d, deleted: %d\n", r.TotalFiles, r.AddedCount, r.DeletedCount)
	for _, p := range r.Added {
		fmt.Println("+", p)
	}
	for _, p := range r.Deleted {
		fmt.Println("-", p)
	}
}

type cliError string

func (e cliError) Error() string { return string(e) }

const errMissingArgs = cliError("missing required arguments")
