package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/blackmichael/eueoeo-feed/internal/bluesky"
	"github.com/blackmichael/eueoeo-feed/internal/config"
	"github.com/blackmichael/eueoeo-feed/internal/domain"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newPublishCommand() *cobra.Command {
	var (
		displayName string
		description string
		avatarPath  string
		unpublish   bool
	)

	cmd := &cobra.Command{
		Use:   "publish <feed>",
		Short: "Create, update or delete the feed generator record for a feed",
		Long: "Registers one of the served feeds (by short name) in the publisher's repository so " +
			"that clients can discover it. The record points at this service's DID.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rkey := args[0]
			if !servesFeed(rkey) {
				return fmt.Errorf("unknown feed %q", rkey)
			}

			cfg, err := config.Load(viper.GetViper())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			handle := viper.GetString("bluesky.handle")
			password := viper.GetString("bluesky.app_password")
			if handle == "" || password == "" {
				return fmt.Errorf("--handle and --password are required (or set BLUESKY_HANDLE and BLUESKY_APP_PASSWORD)")
			}

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			client := bluesky.NewClient(viper.GetString("bluesky.pds"))

			fmt.Fprintf(out, "Logging in as %s...\n", handle)
			if err := client.Login(ctx, handle, password); err != nil {
				return err
			}
			if client.DID() != cfg.PublisherDID {
				fmt.Fprintf(out, "warning: logged in as %s but publisher_did is %s; the feed will not be served\n",
					client.DID(), cfg.PublisherDID)
			}

			if unpublish {
				if err := client.DeleteFeedGenerator(ctx, rkey); err != nil {
					return err
				}
				fmt.Fprintf(out, "Feed unpublished: %s\n", domain.FeedURI(client.DID(), rkey))
				return nil
			}

			if displayName == "" {
				return fmt.Errorf("--name is required for publishing")
			}
			record := bluesky.NewFeedGeneratorRecord(cfg.ServiceDID(), displayName, description, time.Now())
			if avatarPath != "" {
				data, err := os.ReadFile(avatarPath)
				if err != nil {
					return fmt.Errorf("read avatar: %w", err)
				}
				if record.Avatar, err = client.UploadBlob(ctx, data, http.DetectContentType(data)); err != nil {
					return err
				}
			}

			uri, err := client.PutFeedGenerator(ctx, rkey, record)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Feed published: %s\n", uri)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.String("handle", "", "Bluesky handle of the publisher (e.g. user.bsky.social)")
	flags.String("password", "", "Bluesky app password")
	flags.String("pds", bluesky.DefaultPDS, "PDS service URL")
	flags.StringVar(&displayName, "name", "", "Feed display name (max 24 graphemes)")
	flags.StringVar(&description, "description", "", "Feed description (max 300 graphemes)")
	flags.StringVar(&avatarPath, "avatar", "", "Path to a PNG or JPEG avatar")
	flags.BoolVar(&unpublish, "unpublish", false, "Delete the feed generator record instead of publishing")

	bindFlag(flags, "bluesky.handle", "handle")
	bindFlag(flags, "bluesky.app_password", "password")
	bindFlag(flags, "bluesky.pds", "pds")
	_ = viper.BindEnv("bluesky.handle", "FEEDGEN_BLUESKY_HANDLE", "BLUESKY_HANDLE")
	_ = viper.BindEnv("bluesky.app_password", "FEEDGEN_BLUESKY_APP_PASSWORD", "BLUESKY_APP_PASSWORD")
	_ = viper.BindEnv("bluesky.pds", "FEEDGEN_BLUESKY_PDS", "BLUESKY_PDS")
	return cmd
}

func servesFeed(rkey string) bool {
	for _, a := range domain.DefaultAlgorithms() {
		if a.ShortName() == rkey {
			return true
		}
	}
	return false
}
