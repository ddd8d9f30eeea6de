package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dunamismax/pixelgate/internal/auth"
	"github.com/dunamismax/pixelgate/internal/cache"
	"github.com/dunamismax/pixelgate/internal/commands"
	"github.com/dunamismax/pixelgate/internal/config"
	"github.com/dunamismax/pixelgate/internal/pipeline"
	"github.com/dunamismax/pixelgate/internal/processing"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pixelctl",
		Short:         "Sign image URLs and inspect the pixelgate cache",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newSignCmd(), newKeyCmd(), newRootDirCmd())
	return root
}

func newSignCmd() *cobra.Command {
	var (
		secret   string
		sanitize bool
	)
	cmd := &cobra.Command{
		Use:   "sign <uri>",
		Short: "Append an hmac token to an image URI",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("secret") {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				secret = cfg.Image.HMACSecret
			}
			if secret == "" {
				return fmt.Errorf("no secret: set PIXELGATE_HMAC_SECRET or pass --secret")
			}

			authorizer := auth.New(auth.Options{
				Secret: []byte(secret),
				Known:  commands.NewKnownSet(processing.DefaultProcessors()...),
			})
			handling := auth.HandlingNone
			if sanitize {
				handling = auth.HandlingSanitize
			}
			signed, err := authorizer.SignURL(cmd.Context(), args[0], handling)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signed)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "signing secret (default $PIXELGATE_HMAC_SECRET)")
	cmd.Flags().BoolVar(&sanitize, "sanitize", false, "drop unknown commands before signing")
	return cmd
}

func newKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "key <uri>",
		Short: "Print the cache key and file path of a processed image URI",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			handling, err := cfg.Image.CaseHandling()
			if err != nil {
				return err
			}

			req, err := pipeline.RequestFromURI(args[0])
			if err != nil {
				return err
			}
			req, ok := pipeline.WithPathBase(req, cfg.API.PathBase)
			if !ok {
				return fmt.Errorf("%s is outside path base %s", args[0], cfg.API.PathBase)
			}
			cmds, err := commands.ParseQuery(req.RawQuery)
			if err != nil {
				return err
			}
			commands.StripUnknown(cmds, commands.NewKnownSet(processing.DefaultProcessors()...))
			if cmds.Len() == 0 {
				return fmt.Errorf("%s has no processing commands and is served from the source", args[0])
			}

			key := pipeline.KeyFor(handling, cfg.Cache.HashLength, &auth.CommandContext{
				PathBase: req.PathBase,
				Path:     req.Path,
				Commands: cmds,
			})
			root, err := cfg.CacheRoot()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "key:  %s\n", key)
			fmt.Fprintf(out, "path: %s\n", filepath.Join(root, filepath.FromSlash(cache.FilePath(key, cfg.Cache.FolderDepth))))
			return nil
		},
	}
}

func newRootDirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "root",
		Short: "Print the resolved cache root directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			root, err := cfg.CacheRoot()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), root)
			return nil
		},
	}
}
