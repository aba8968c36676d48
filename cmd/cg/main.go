package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"cmdgate/internal/app"
	"cmdgate/internal/config"
	"cmdgate/internal/domain"
	"cmdgate/internal/engine"
)

var rootCmd = &cobra.Command{
	Use:   "cg",
	Short: "cmdgate CLI",
	Long: `cmdgate decides whether shell commands may run.
- Rules: ordered regex patterns; the first active match picks AUTO_ACCEPT, AUTO_REJECT or NEEDS_APPROVAL.
- Credits: every executed command debits its cost from the submitter's balance.
- Approvals: gated commands wait for admin votes; the requester's tier sets the quorum.
- Audit: every state change is recorded in an append-only trail ('cg audit').
Select the acting user with --as <username|id> or --api-key (CMDGATE_AS, CMDGATE_API_KEY).`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CMDGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (defaults to <workspace>/cmdgate.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("as", "", "acting user (username or id)")
	rootCmd.PersistentFlags().String("api-key", "", "authenticate the acting user by API key")
	for _, name := range []string{"workspace", "config", "json", "as", "api-key"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(commandCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(serveCmd())
}

func appOptions() app.Options {
	return app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
	}
}

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	a, err := app.Open(ctx, appOptions())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// withActor opens the workspace and resolves the acting user from --api-key
// or --as.
func withActor(ctx context.Context, fn func(context.Context, engine.Engine, domain.User) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.Context) error {
		var (
			u   domain.User
			err error
		)
		switch key, ref := viper.GetString("api-key"), viper.GetString("as"); {
		case key != "":
			u, err = a.Engine.AuthenticateAPIKey(ctx, key)
		case ref != "":
			u, err = a.Engine.ResolveUser(ctx, ref)
			if errors.Is(err, engine.ErrNotFound) {
				err = fmt.Errorf("unknown user %q", ref)
			}
		default:
			err = errors.New("no acting user: pass --as or --api-key")
		}
		if err != nil {
			return err
		}
		return fn(ctx, a.Engine, u)
	})
}

// resolveRef maps a username or id argument onto a user id.
func resolveRef(ctx context.Context, e engine.Engine, ref string) (string, error) {
	u, err := e.ResolveUser(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("user %q: %w", ref, err)
	}
	return u.ID, nil
}

func initCmd() *cobra.Command {
	var admin, email string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace config and database, optionally with a first admin",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s\n", path)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if admin == "" {
					fmt.Fprintln(cmd.ErrOrStderr(), "workspace ready")
					return nil
				}
				n, err := a.Engine.Repo.CountUsers(ctx, nil)
				if err != nil {
					return err
				}
				if n > 0 {
					return errors.New("workspace already has users; create more with 'cg user create'")
				}
				u, key, err := a.Engine.CreateUser(ctx, engine.UserCreateOptions{Username: admin, Email: email})
				if err != nil {
					return err
				}
				return printUserWithKey(u, key)
			})
		},
	}
	cmd.Flags().StringVar(&admin, "admin", "", "username of the bootstrap admin")
	cmd.Flags().StringVar(&email, "email", "", "bootstrap admin email")
	return cmd
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(appOptions())
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(out)
			return err
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := app.LoadConfig(appOptions()); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfgCmd
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, me domain.User) error {
				return printUsers([]domain.User{me})
			})
		},
	}
}

func userCmd() *cobra.Command {
	usr := &cobra.Command{Use: "user", Short: "Manage users and credits"}
	usr.AddCommand(userCreateCmd())
	usr.AddCommand(userListCmd())
	usr.AddCommand(userShowCmd())
	usr.AddCommand(userUpdateCmd())
	usr.AddCommand(userGrantCmd())
	usr.AddCommand(userRotateKeyCmd())
	return usr
}

func userCreateCmd() *cobra.Command {
	var opts engine.UserCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user and print its API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, me domain.User) error {
				opts.ActorID = me.ID
				u, key, err := e.CreateUser(ctx, opts)
				if err != nil {
					return err
				}
				return printUserWithKey(u, key)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Username, "username", "", "username")
	cmd.Flags().StringVar(&opts.Email, "email", "", "email")
	cmd.Flags().StringVar(&opts.Role, "role", domain.RoleMember, "admin or member")
	cmd.Flags().StringVar(&opts.Tier, "tier", domain.TierJunior, "junior, mid, senior or lead")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func userListCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, me domain.User) error {
				users, err := e.ListUsers(ctx, me.ID, activeOnly)
				if err != nil {
					return err
				}
				return printUsers(users)
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active users")
	return cmd
}

func userShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <user>",
		Short: "Show a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, me domain.User) error {
				id, err := resolveRef(ctx, e, args[0])
				if err != nil {
					return err
				}
				u, err := e.GetUser(ctx, me.ID, id)
				if err != nil {
					return err
				}
				return printUsers([]domain.User{u})
			})
		},
	}
}

func userUpdateCmd() *cobra.Command {
	var role, tier string
	var active bool
	cmd := &cobra.Command{
		Use:   "update <user>",
		Short: "Change a user's role, tier or active flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, me domain.User) error {
				id, err := resolveRef(ctx, e, args[0])
				if err != nil {
					return err
				}
				opts := engine.UserUpdateOptions{ID: id, ActorID: me.ID}
				if cmd.Flags().Changed("role") {
					opts.Role = &role
				}
				if cmd.Flags().Changed("tier") {
					opts.Tier = &tier
				}
				if cmd.Flags().Changed("active") {
					opts.Active = &active
				}
				u, err := e.UpdateUser(ctx, opts)
				if err != nil {
					return err
				}
				return printUsers([]domain.User{u})
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "admin or member")
	cmd.Flags().StringVar(&tier, "tier", "", "junior, mid, senior or lead")
	cmd.Flags().BoolVar(&active, "active", true, "active flag")
	return cmd
}

func userGrantCmd() *cobra.Command {
	var amount int
	cmd := &cobra.Command{
		Use:   "grant <user>",
		Short: "Add credits to a user's balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, me domain.User) error {
				id, err := resolveRef(ctx, e, args[0])
				if err != nil {
					return err
				}
				u, err := e.GrantCredits(ctx, me.ID, id, amount)
				if err != nil {
					return err
				}
				return printUsers([]domain.User{u})
			})
		},
	}
	cmd.Flags().IntVar(&amount, "amount", 0, "credits to add")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func userRotateKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-key <user>",
		Short: "Issue a new API key, invalidating the old one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, me domain.User) error {
				id, err := resolveRef(ctx, e, args[0])
				if err != nil {
					return err
				}
				key, err := e.RotateAPIKey(ctx, me.ID, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"user_id": id, "api_key": key})
				}
				fmt.Println(key)
				return nil
			})
		},
	}
}

func printUsers(users []domain.User) error {
	if viper.GetBool("json") {
		return printJSON(users)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Username", "Role", "Tier", "Credits", "Active"})
	for _, u := range users {
		tw.AppendRow(table.Row{u.ID, u.Username, u.Role, u.Tier, u.CreditBalance, u.Active})
	}
	tw.Render()
	return nil
}

func printUserWithKey(u domain.User, key string) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{"user": u, "api_key": key})
	}
	if err := printUsers([]domain.User{u}); err != nil {
		return err
	}
	fmt.Printf("API key (shown once): %s\n", key)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseTierThresholds reads "junior=3,mid=2" on top of base.
func parseTierThresholds(raw string, base domain.TierThresholds) (domain.TierThresholds, error) {
	out := base
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return out, fmt.Errorf("tier threshold %q: expected tier=n", part)
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return out, fmt.Errorf("tier threshold %q: %w", part, err)
		}
		switch strings.ToLower(strings.TrimSpace(k)) {
		case domain.TierJunior:
			out.Junior = n
		case domain.TierMid:
			out.Mid = n
		case domain.TierSenior:
			out.Senior = n
		case domain.TierLead:
			out.Lead = n
		default:
			return out, fmt.Errorf("unknown tier %q", k)
		}
	}
	return out, nil
}
