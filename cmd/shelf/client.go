package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/shelf/internal/auth"
	"github.com/MarcoPoloResearchLab/shelf/internal/autosync"
	"github.com/MarcoPoloResearchLab/shelf/internal/config"
	"github.com/MarcoPoloResearchLab/shelf/internal/database"
	"github.com/MarcoPoloResearchLab/shelf/internal/library"
	"github.com/MarcoPoloResearchLab/shelf/internal/localstore"
	"github.com/MarcoPoloResearchLab/shelf/internal/logging"
	"github.com/MarcoPoloResearchLab/shelf/internal/migration"
	"github.com/MarcoPoloResearchLab/shelf/internal/remote"
	"github.com/MarcoPoloResearchLab/shelf/internal/syncengine"
	"github.com/MarcoPoloResearchLab/shelf/internal/tombstone"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// clientApp holds the device-side wiring shared by the client commands.
type clientApp struct {
	logger     *zap.Logger
	sqlDB      *sql.DB
	local      *localstore.Store
	tombstones *tombstone.Tracker
	session    *auth.TokenSession
	client     *remote.Client
	engine     *syncengine.Engine
	status     *autosync.Status
	autoSync   *autosync.Debouncer
	library    *library.Library
	controller *migration.Controller
	signIn     migration.State
}

func openClient(ctx context.Context) (*clientApp, error) {
	appConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenLocal(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	app := &clientApp{logger: logger, sqlDB: sqlDB}
	if app.local, err = localstore.New(db); err != nil {
		return nil, app.abort(err)
	}
	if app.tombstones, err = tombstone.NewTracker(db); err != nil {
		return nil, app.abort(err)
	}
	app.session = auth.NewTokenSession(appConfig.AccessToken, nil)
	app.client, err = remote.NewClient(remote.ClientConfig{
		BaseURL: appConfig.RemoteBaseURL,
		Tokens:  app.session,
		Timeout: appConfig.RemoteTimeout,
	})
	if err != nil {
		return nil, app.abort(err)
	}
	app.engine, err = syncengine.New(syncengine.Config{
		Local:      app.local,
		Tombstones: app.tombstones,
		Remote:     app.client,
		Sessions:   app.session,
		CacheTTL:   appConfig.CacheTTL,
		Logger:     logger,
	})
	if err != nil {
		return nil, app.abort(err)
	}

	app.controller, err = migration.NewController(migration.Config{
		Local:      app.local,
		Tombstones: app.tombstones,
		Remote:     app.client,
		Syncer:     app.engine,
		Logger:     logger,
	})
	if err != nil {
		return nil, app.abort(err)
	}
	if err := app.checkSignIn(ctx); err != nil {
		return nil, app.abort(err)
	}

	app.status = autosync.NewStatus(app.probe(ctx))
	app.autoSync, err = autosync.New(autosync.Config{
		Syncer: app.controller.Gate(app.engine),
		Status: app.status,
		Delay:  appConfig.SyncDebounce,
		Logger: logger,
	})
	if err != nil {
		return nil, app.abort(err)
	}
	app.library, err = library.New(library.Config{
		Local:      app.local,
		Tombstones: app.tombstones,
		AutoSync:   app.autoSync,
		Logger:     logger,
	})
	if err != nil {
		return nil, app.abort(err)
	}
	return app, nil
}

// checkSignIn runs the sign-in transition for the configured session, or
// forgets the recorded one when the device is back in guest mode.
func (a *clientApp) checkSignIn(ctx context.Context) error {
	session, err := a.session.Session(ctx)
	if err != nil {
		return err
	}
	if session == nil {
		return a.controller.SignOut(ctx)
	}
	a.signIn, err = a.controller.HandleSignIn(ctx, session.UserID)
	if err != nil {
		return err
	}
	if a.signIn.Pending {
		a.logger.Warn("guest data awaits a migration choice", zap.Int64("candidates", a.signIn.Candidates))
	}
	return nil
}

func (a *clientApp) choicePending() bool {
	pending, _ := a.controller.Pending()
	return pending
}

// probe reports whether a signed-in session can reach the remote store.
func (a *clientApp) probe(ctx context.Context) bool {
	session, err := a.session.Session(ctx)
	if err != nil || session == nil {
		return false
	}
	if err := a.client.Ping(ctx); err != nil {
		a.logger.Info("remote store unreachable, working offline", zap.Error(err))
		return false
	}
	return true
}

func (a *clientApp) abort(err error) error {
	a.sqlDB.Close() //nolint:errcheck
	return err
}

// close runs a scheduled auto-sync before releasing the database.
func (a *clientApp) close(ctx context.Context, out io.Writer) {
	if a.choicePending() && a.autoSync.Pending() {
		a.autoSync.Stop()
		fmt.Fprintln(out, "sync held: run `shelf migrate --mode merge|replace` to adopt guest data")
	} else if result, ran := a.autoSync.Flush(ctx); ran {
		printResult(out, result)
	}
	a.sqlDB.Close() //nolint:errcheck
	a.logger.Sync() //nolint:errcheck
}

func withClient(cmd *cobra.Command, run func(*clientApp) error) error {
	app, err := openClient(cmd.Context())
	if err != nil {
		return err
	}
	defer app.close(cmd.Context(), cmd.OutOrStdout())
	return run(app)
}

func printResult(out io.Writer, result syncengine.SyncResult) {
	state := "ok"
	if !result.Success {
		state = "failed"
	}
	fmt.Fprintf(out, "sync %s: lists=%d items=%d deletions=%d\n",
		state, result.Processed.Lists, result.Processed.Items, result.Processed.Deletions)
	for _, syncErr := range result.Errors {
		fmt.Fprintf(out, "  %s: %s\n", syncErr.Context, syncErr.Message)
	}
}

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run a full sync pass now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(app *clientApp) error {
				app.autoSync.Stop()
				if app.choicePending() {
					return fmt.Errorf("%w: run `shelf migrate --mode merge|replace` first", migration.ErrChoicePending)
				}
				var result syncengine.SyncResult
				switch {
				case app.signIn.Result != nil:
					// the sign-in check already ran a full pass
					result = *app.signIn.Result
				case app.signIn.UserID == "":
					// guest mode: the engine reports the missing session
					result = app.engine.SyncAll(cmd.Context())
				default:
					result = app.controller.Gate(app.engine).SyncAll(cmd.Context())
				}
				printResult(cmd.OutOrStdout(), result)
				if !result.Success {
					return fmt.Errorf("sync finished with %d error(s)", len(result.Errors))
				}
				return nil
			})
		},
	}
}

func newMigrateCommand() *cobra.Command {
	var rawMode string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Adopt guest data into the signed-in account",
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := migration.ParseMode(rawMode)
			if err != nil {
				return err
			}
			return withClient(cmd, func(app *clientApp) error {
				session, err := app.session.Session(cmd.Context())
				if err != nil {
					return err
				}
				if session == nil {
					return auth.ErrNoSession
				}
				state, err := app.controller.HandleSignIn(cmd.Context(), session.UserID)
				if err != nil {
					return err
				}
				if !state.Pending {
					fmt.Fprintln(cmd.OutOrStdout(), "no guest data to migrate")
					if state.Result != nil {
						printResult(cmd.OutOrStdout(), *state.Result)
					}
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "migrating %d guest record(s) with %s\n", state.Candidates, mode)
				result, err := app.controller.MigrateGuestData(cmd.Context(), session.UserID, mode)
				if err != nil {
					return err
				}
				printResult(cmd.OutOrStdout(), result)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&rawMode, "mode", string(migration.ModeMerge), "merge or replace")
	return cmd
}

func newAddCommand() *cobra.Command {
	var input library.NewItem
	var listID int64
	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Track a new item",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input.Title = strings.Join(args, " ")
			if cmd.Flags().Changed("list") {
				input.ListID = &listID
			}
			return withClient(cmd, func(app *clientApp) error {
				item, created, err := app.library.AddItem(cmd.Context(), input)
				if err != nil {
					return err
				}
				if !created {
					fmt.Fprintf(cmd.OutOrStdout(), "already tracked as #%d\n", item.ID)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added #%d %s\n", item.ID, item.Title)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&input.Type, "type", "", "movie, show, game, book or other")
	cmd.Flags().StringVar(&input.Status, "status", "", "planned, in_progress, completed or dropped")
	cmd.Flags().StringSliceVar(&input.Tags, "tag", nil, "Tag (repeatable)")
	cmd.Flags().Int64Var(&listID, "list", 0, "Local list id")
	cmd.Flags().StringVar(&input.ExternalID, "external-id", "", "Catalog id")
	cmd.Flags().StringVar(&input.Source, "source", "", "Catalog the external id belongs to")
	cmd.Flags().StringVar(&input.Notes, "notes", "", "Free-form notes")
	return cmd
}

func newListItemsCommand() *cobra.Command {
	var listID int64
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List tracked items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(app *clientApp) error {
				var filter *int64
				if cmd.Flags().Changed("list") {
					filter = &listID
				}
				items, err := app.library.Items(cmd.Context(), filter)
				if err != nil {
					return err
				}
				for _, item := range items {
					marker := " "
					if !item.Linked() {
						marker = "*"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s#%-4d %-12s %-8s %s\n", marker, item.ID, item.Status, item.Type, item.Title)
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&listID, "list", 0, "Only show members of this local list id")
	return cmd
}

func newRemoveCommand() *cobra.Command {
	var isList bool
	cmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete an item, or a list with --list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q: %w", args[0], err)
			}
			return withClient(cmd, func(app *clientApp) error {
				if isList {
					return app.library.DeleteList(cmd.Context(), id)
				}
				return app.library.DeleteItem(cmd.Context(), id)
			})
		},
	}
	cmd.Flags().BoolVar(&isList, "list", false, "Delete the list with this id")
	return cmd
}

func newCreateListCommand() *cobra.Command {
	var icon, description string
	cmd := &cobra.Command{
		Use:   "list-create <name>",
		Short: "Create a list",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(app *clientApp) error {
				list, err := app.library.CreateList(cmd.Context(), strings.Join(args, " "), icon, description)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created list #%d %s\n", list.ID, list.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&icon, "icon", "", "List icon")
	cmd.Flags().StringVar(&description, "description", "", "List description")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pending changes and connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(app *clientApp) error {
				ctx := cmd.Context()
				out := cmd.OutOrStdout()
				session, err := app.session.Session(ctx)
				if err != nil {
					return err
				}
				if session == nil {
					fmt.Fprintln(out, "session: guest")
				} else {
					fmt.Fprintf(out, "session: %s\n", session.UserID)
				}
				fmt.Fprintf(out, "online: %t\n", app.status.Online())

				items, err := app.local.CountUnsyncedItems(ctx)
				if err != nil {
					return err
				}
				lists, err := app.local.CountUnsyncedLists(ctx)
				if err != nil {
					return err
				}
				deletions, err := app.tombstones.Pending(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "unsynced: items=%d lists=%d deletions=%d\n", items, lists, deletions)

				lastSync, ok, err := app.local.GetSetting(ctx, syncengine.SettingLastSyncAt)
				if err != nil {
					return err
				}
				if !ok {
					lastSync = "never"
				}
				fmt.Fprintf(out, "last sync: %s\n", lastSync)
				return nil
			})
		},
	}
}
