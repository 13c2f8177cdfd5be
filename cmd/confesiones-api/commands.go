package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/FabianTorres/confesiones/internal/confessions"
	"github.com/FabianTorres/confesiones/internal/config"
	"github.com/FabianTorres/confesiones/internal/logging"
	"github.com/FabianTorres/confesiones/internal/preferences"
	"github.com/FabianTorres/confesiones/internal/views"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var defaultCommunities = []confessions.Community{
	{ID: "general", Name: "General"},
	{ID: "amor", Name: "Amor"},
	{ID: "familia", Name: "Familia"},
	{ID: "trabajo", Name: "Trabajo"},
	{ID: "universidad", Name: "Universidad"},
}

var errNoCommunitySelected = errors.New("no community selected, run `community select <id>` first")

// openClient loads the client configuration and a console logger for local commands.
func openClient() (config.AppConfig, *zap.Logger, error) {
	appConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	logger, err := logging.NewConsoleLogger(appConfig.LogLevel)
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	return appConfig, logger, nil
}

func newSeedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Create or rename the default communities",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, err := openClient()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			rt, err := openRuntime(cmd.Context(), appConfig, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.confessions.SeedCommunities(cmd.Context(), defaultCommunities); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d communities\n", len(defaultCommunities))
			return nil
		},
	}
}

func newCommunityCommand() *cobra.Command {
	community := &cobra.Command{
		Use:   "community",
		Short: "Inspect or change the locally selected community",
	}

	community.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the stored selection and the landing screen",
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := openPreferences()
				if err != nil {
					return err
				}
				communityID, state := store.SelectedCommunity()
				landing := store.Landing()
				fmt.Fprintf(cmd.OutOrStdout(), "state=%s community=%q landing=%s\n", state, communityID, landing.Route)
				return nil
			},
		},
		&cobra.Command{
			Use:   "select <community-id>",
			Short: "Store the selected community",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				appConfig, logger, err := openClient()
				if err != nil {
					return err
				}
				defer logger.Sync() //nolint:errcheck

				rt, err := openRuntime(cmd.Context(), appConfig, logger)
				if err != nil {
					return err
				}
				defer rt.Close()

				communities, err := rt.confessions.ListCommunities(cmd.Context())
				if err != nil {
					return err
				}
				communityID := strings.TrimSpace(args[0])
				if !containsCommunity(communities, communityID) {
					return fmt.Errorf("unknown community %q", communityID)
				}

				store, err := preferences.Open(appConfig.PreferencesPath, logger)
				if err != nil {
					return err
				}
				if err := store.SaveSelectedCommunity(communityID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "selected community %s\n", communityID)
				return nil
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Forget the selected community",
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := openPreferences()
				if err != nil {
					return err
				}
				return store.ClearSelectedCommunity()
			},
		},
	)
	return community
}

func openPreferences() (*preferences.Store, error) {
	appConfig, logger, err := openClient()
	if err != nil {
		return nil, err
	}
	return preferences.Open(appConfig.PreferencesPath, logger)
}

func containsCommunity(communities []confessions.Community, communityID string) bool {
	for _, community := range communities {
		if community.ID == communityID {
			return true
		}
	}
	return false
}

func newWatchFeedCommand() *cobra.Command {
	var (
		installID   string
		communityID string
		sortName    string
	)
	cmd := &cobra.Command{
		Use:   "watch-feed",
		Short: "Follow a community feed and act on it from stdin",
		Long: "Follow a community feed as an anonymous install. Commands read from stdin:\n" +
			"  like <confession-id>   toggle a like\n" +
			"  sort RECENT|POPULAR    change the ordering\n" +
			"  post <text>            publish a confession\n" +
			"  report <id> [reason]   report a confession",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, err := openClient()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			if communityID == "" {
				store, err := preferences.Open(appConfig.PreferencesPath, logger)
				if err != nil {
					return err
				}
				landing := store.Landing()
				if landing.Route != preferences.RouteFeed {
					return errNoCommunitySelected
				}
				communityID = landing.CommunityID
			}
			order, err := confessions.ParseSortOrder(sortName)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := openRuntime(ctx, appConfig, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			session, err := rt.users.SignInAnonymously(ctx, installID)
			if err != nil {
				return err
			}
			logger.Info("watching feed",
				zap.String("user_id", session.UserID),
				zap.String("community_id", communityID),
				zap.String("sort", string(order)))

			view, err := views.NewFeedView(ctx, views.FeedViewConfig{
				Source:      rt.confessions,
				Toggler:     rt.confessions,
				Publisher:   rt.confessions,
				Reporter:    rt.confessions,
				UserID:      session.UserID,
				CommunityID: communityID,
				Sort:        order,
				Window:      appConfig.LikeDebounceWindow,
				Clock:       time.Now,
				Logger:      logger,
			})
			if err != nil {
				return err
			}
			defer view.Close()

			go readFeedCommands(ctx, cmd.InOrStdin(), view, logger)
			return renderFeed(ctx, cmd.OutOrStdout(), view)
		},
	}
	cmd.Flags().StringVar(&installID, "install-id", defaultInstallID(), "Installation identifier used for the anonymous session")
	cmd.Flags().StringVar(&communityID, "community", "", "Community to follow (defaults to the stored selection)")
	cmd.Flags().StringVar(&sortName, "sort", string(confessions.SortRecent), "Feed ordering (RECENT or POPULAR)")
	return cmd
}

func defaultInstallID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "cli"
	}
	return "cli-" + host
}

func renderFeed(ctx context.Context, out io.Writer, view *views.FeedView) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case notice := <-view.Notices():
			fmt.Fprintf(out, "! %s: %s\n", notice.Operation, notice.Message)
		case <-view.Changes():
			state, ok := view.State()
			if !ok {
				continue
			}
			fmt.Fprintf(out, "--- %s (%s) ---\n", state.CommunityID, state.Sort)
			for _, item := range state.Items {
				marker := " "
				if item.Liked {
					marker = "*"
				}
				if item.Pending {
					marker += "~"
				}
				fmt.Fprintf(out, "%-3s %s %4d  %s\n", marker, item.Confession.ID, item.LikesCount, item.Confession.Text)
			}
		}
	}
}

func readFeedCommands(ctx context.Context, in io.Reader, view *views.FeedView, logger *zap.Logger) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		verb, rest, _ := strings.Cut(line, " ")
		rest = strings.TrimSpace(rest)
		if rest == "" {
			continue
		}
		var err error
		switch strings.ToLower(verb) {
		case "like":
			err = view.ToggleLike(rest)
		case "sort":
			var order confessions.SortOrder
			order, err = confessions.ParseSortOrder(strings.ToUpper(rest))
			if err == nil {
				err = view.SetSort(order)
			}
		case "post":
			_, err = view.Publish(rest)
		case "report":
			id, reason, _ := strings.Cut(rest, " ")
			err = view.Report(id, strings.TrimSpace(reason))
		default:
			continue
		}
		if err != nil {
			logger.Warn("feed command failed", zap.String("command", line), zap.Error(err))
		}
	}
}
