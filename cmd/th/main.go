package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"taskhub/internal/app"
	"taskhub/internal/config"
	"taskhub/internal/db"
	"taskhub/internal/domain"
	"taskhub/internal/engine"
	"taskhub/internal/engine/auth"
	"taskhub/internal/events"
	"taskhub/internal/identity"
	"taskhub/internal/migrate"
	"taskhub/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "th",
	Short: "TaskHub CLI",
	Long: `TaskHub manages employees, their tasks and business KPIs.
- Roles: admin manages everything, managers manage employees and tasks, employees see and progress their own tasks.
- Workspace: a .taskhub directory holding the SQLite database, next to taskhub.yml.
- Sign in: domain commands take --email/--password (or TASKHUB_EMAIL/TASKHUB_PASSWORD).
- Event log: every change is recorded, view it with 'th log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TASKHUB")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("email", "", "sign-in email")
	rootCmd.PersistentFlags().String("password", "", "sign-in password")
	rootCmd.PersistentFlags().String("jwt-secret", "", "token signing secret (overrides auth.jwt_secret)")
	for _, name := range []string{"workspace", "json", "email", "password", "jwt-secret"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(adminCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(dashboardCmd())
	rootCmd.AddCommand(employeeCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(kpiCmd())
	rootCmd.AddCommand(logCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create taskhub.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Printf("%s already exists (use --force to overwrite)\n", path)
			} else {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("wrote %s\n", path)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				v, err := migrate.Version(ctx, rt.DB)
				if err != nil {
					return err
				}
				fmt.Printf("database %s at schema version %d\n", db.Path(workspace), v)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing taskhub.yml")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				v, err := migrate.Version(ctx, rt.DB)
				if err != nil {
					return err
				}
				latest, err := migrate.Latest()
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int{"version": v, "latest": latest})
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := app.Open(cmd.Context(), app.Options{
				Workspace:     viper.GetString("workspace"),
				JWTSecret:     viper.GetString("jwt-secret"),
				RequireSecret: true,
			})
			if err != nil {
				return err
			}
			defer rt.Close()
			if addr == "" {
				addr = rt.Config.Server.Addr
			}
			if basePath == "" {
				basePath = rt.Config.Server.BasePath
			}
			handler, err := server.New(server.Config{
				Engine:   rt.Engine,
				Identity: rt.Identity,
				BasePath: basePath,
				Log:      rt.Log.Named("http"),
			})
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			server.StartWebhooks(ctx, rt.Store, rt.Config.Webhooks, rt.Log)
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			rt.Log.Info("serving", zap.String("addr", addr), zap.String("base_path", basePath))
			fmt.Printf("Serving TaskHub API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default server.base_path)")
	return cmd
}

func adminCmd() *cobra.Command {
	admin := &cobra.Command{Use: "admin", Short: "Workspace administration"}
	admin.AddCommand(adminCreateCmd())
	return admin
}

func adminCreateCmd() *cobra.Command {
	var email, password, fullName string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create the first admin account",
		RunE: func(cmd *cobra.Command, args []string) error {
			generated := false
			if password == "" {
				pw, err := identity.GeneratePassword()
				if err != nil {
					return err
				}
				password, generated = pw, true
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				u, err := rt.EnsureAdmin(ctx, email, password, fullName)
				if err != nil {
					return err
				}
				if generated {
					fmt.Printf("temporary password: %s\n", password)
				}
				return printUser(u)
			})
		},
	}
	cmd.Flags().StringVar(&email, "admin-email", "", "admin email")
	cmd.Flags().StringVar(&password, "admin-password", "", "admin password (generated if empty)")
	cmd.Flags().StringVar(&fullName, "full-name", "", "admin full name")
	_ = cmd.MarkFlagRequired("admin-email")
	return cmd
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user, visible sections and grantable roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p *domain.User) error {
				out := map[string]any{
					"user":            p,
					"sections":        auth.VisibleSections(p.Role),
					"grantable_roles": auth.GrantableRoles(p),
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				tw := newTable()
				tw.AppendRow(table.Row{"User", fmt.Sprintf("%s <%s>", p.FullName, p.Email)})
				tw.AppendRow(table.Row{"Role", p.Role})
				tw.AppendRow(table.Row{"Sections", joinAny(auth.VisibleSections(p.Role))})
				tw.AppendRow(table.Row{"Grantable roles", joinAny(auth.GrantableRoles(p))})
				tw.Render()
				return nil
			})
		},
	}
}

func dashboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Show dashboard statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p *domain.User) error {
				stats, err := e.DashboardStats(ctx, p)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Metric", "Value"})
				tw.AppendRow(table.Row{"Employees", stats.TotalEmployees})
				tw.AppendRow(table.Row{"Tasks", stats.TotalTasks})
				tw.AppendRow(table.Row{"Completed", stats.CompletedTasks})
				tw.AppendRow(table.Row{"Overdue", stats.OverdueTasks})
				tw.AppendRow(table.Row{"Completion rate", fmt.Sprintf("%.1f%%", stats.AverageCompletionRate)})
				if len(stats.Degraded) > 0 {
					tw.AppendFooter(table.Row{"Unavailable", strings.Join(stats.Degraded, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func employeeCmd() *cobra.Command {
	emp := &cobra.Command{
		Use:   "employee",
		Short: "Manage employees",
		Long:  "Employees and managers. Records are never deleted; deactivation sets is_active to false.",
	}
	emp.AddCommand(employeeListCmd())
	emp.AddCommand(employeeAddCmd())
	emp.AddCommand(employeeUpdateCmd())
	emp.AddCommand(employeeDeactivateCmd())
	emp.AddCommand(employeeStatsCmd())
	return emp
}

func employeeListCmd() *cobra.Command {
	var f engine.EmployeeFilter
	var role string
	var assignable bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List employees",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Role = domain.Role(role)
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p *domain.User) error {
				var (
					users []domain.User
					err   error
				)
				if assignable {
					users, err = e.AssignableUsers(ctx, p)
				} else {
					users, err = e.ListEmployees(ctx, p, f)
				}
				if err != nil {
					return err
				}
				return printUsers(users)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role filter (employee, manager)")
	cmd.Flags().BoolVar(&f.ActiveOnly, "active-only", false, "only active accounts")
	cmd.Flags().BoolVar(&assignable, "assignable", false, "only users a task can be assigned to")
	return cmd
}

func employeeAddCmd() *cobra.Command {
	var opts engine.EmployeeCreateOptions
	var role, department string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create an employee account",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Role = domain.Role(role)
			if cmd.Flags().Changed("department") {
				opts.Department = &department
			}
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p *domain.User) error {
				created, err := e.CreateEmployee(ctx, p, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(created)
				}
				if created.TemporaryPassword != "" {
					fmt.Printf("temporary password: %s\n", created.TemporaryPassword)
				}
				return printUser(created.User)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Email, "new-email", "", "employee email")
	cmd.Flags().StringVar(&opts.FullName, "full-name", "", "full name")
	cmd.Flags().StringVar(&opts.Password, "new-password", "", "initial password (generated if empty)")
	cmd.Flags().StringVar(&role, "role", string(domain.RoleEmployee), "role")
	cmd.Flags().StringVar(&department, "department", "", "department")
	_ = cmd.MarkFlagRequired("new-email")
	return cmd
}

func employeeUpdateCmd() *cobra.Command {
	var fullName, role, department, avatarURL string
	var active bool
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update an employee",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts engine.EmployeeUpdateOptions
			flags := cmd.Flags()
			if flags.Changed("full-name") {
				opts.FullName = &fullName
			}
			if flags.Changed("role") {
				r := domain.Role(role)
				opts.Role = &r
			}
			if flags.Changed("department") {
				opts.Department = &department
			}
			if flags.Changed("avatar-url") {
				opts.AvatarURL = &avatarURL
			}
			if flags.Changed("active") {
				opts.IsActive = &active
			}
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p *domain.User) error {
				u, err := e.UpdateEmployee(ctx, p, args[0], opts)
				if err != nil {
					return err
				}
				return printUser(u)
			})
		},
	}
	cmd.Flags().StringVar(&fullName, "full-name", "", "full name")
	cmd.Flags().StringVar(&role, "role", "", "role")
	cmd.Flags().StringVar(&department, "department", "", "department (empty clears)")
	cmd.Flags().StringVar(&avatarURL, "avatar-url", "", "avatar url (empty clears)")
	cmd.Flags().BoolVar(&active, "active", true, "account active")
	return cmd
}

func employeeDeactivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <id>",
		Short: "Deactivate an employee",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p *domain.User) error {
				u, err := e.DeactivateEmployee(ctx, p, args[0])
				if err != nil {
					return err
				}
				return printUser(u)
			})
		},
	}
}

func employeeStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <id>",
		Short: "Task statistics for an employee",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p *domain.User) error {
				stats, err := e.EmployeeStats(ctx, p, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"User", "Assigned", "Completed", "Rate"})
				tw.AppendRow(table.Row{stats.UserID, stats.TotalTasksAssigned, stats.TasksCompleted, fmt.Sprintf("%.1f%%", stats.CompletionRate)})
				tw.Render()
				return nil
			})
		},
	}
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks flow not_started -> in_progress -> completed, with on_hold and cancelled on the side. Employees only see tasks assigned to them.",
	}
	task.AddCommand(taskListCmd())
	task.AddCommand(taskAddCmd())
	task.AddCommand(taskUpdateCmd())
	task.AddCommand(taskStatusCmd())
	task.AddCommand(taskDeleteCmd())
	return task
}

func taskListCmd() *cobra.Command {
	var f engine.TaskFilter
	var status, priority string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List visible tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.TaskStatus(status)
			f.Priority = domain.Priority(priority)
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p *domain.User) error {
				tasks, err := e.ListTasks(ctx, p, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Assignee", "Due", "Progress"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Priority, deref(t.AssignedTo), deref(t.DueDate), fmt.Sprintf("%d%%", t.ProgressPercentage)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&priority, "priority", "", "priority filter")
	cmd.Flags().StringVar(&f.AssignedTo, "assigned-to", "", "assignee filter")
	cmd.Flags().BoolVar(&f.Overdue, "overdue", false, "only overdue tasks")
	return cmd
}

func taskAddCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var description, assignedTo, status, priority, dueDate, notes string
	var progress int
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			opts.Status = domain.TaskStatus(status)
			opts.Priority = domain.Priority(priority)
			opts.Description = optionalString(description)
			opts.AssignedTo = optionalString(assignedTo)
			opts.DueDate = optionalString(dueDate)
			opts.Notes = optionalString(notes)
			if flags.Changed("progress") {
				opts.ProgressPercentage = &progress
			}
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p *domain.User) error {
				t, err := e.CreateTask(ctx, p, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&assignedTo, "assigned-to", "", "assignee user id")
	cmd.Flags().StringVar(&status, "status", "", "initial status")
	cmd.Flags().StringVar(&priority, "priority", "", "priority (low, medium, high, urgent)")
	cmd.Flags().StringVar(&dueDate, "due-date", "", "due date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&progress, "progress", 0, "progress percentage")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskUpdateCmd() *cobra.Command {
	var title, description, assignedTo, status, priority, dueDate, notes string
	var progress int
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a task (an empty value clears optional fields)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts engine.TaskUpdateOptions
			flags := cmd.Flags()
			if flags.Changed("title") {
				opts.Title = &title
			}
			if flags.Changed("description") {
				opts.Description = &description
			}
			if flags.Changed("assigned-to") {
				opts.AssignedTo = &assignedTo
			}
			if flags.Changed("due-date") {
				opts.DueDate = &dueDate
			}
			if flags.Changed("notes") {
				opts.Notes = &notes
			}
			if flags.Changed("status") {
				s := domain.TaskStatus(status)
				opts.Status = &s
			}
			if flags.Changed("priority") {
				pr := domain.Priority(priority)
				opts.Priority = &pr
			}
			if flags.Changed("progress") {
				opts.ProgressPercentage = &progress
			}
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p *domain.User) error {
				t, err := e.UpdateTask(ctx, p, args[0], opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&assignedTo, "assigned-to", "", "assignee user id")
	cmd.Flags().StringVar(&status, "status", "", "status")
	cmd.Flags().StringVar(&priority, "priority", "", "priority")
	cmd.Flags().StringVar(&dueDate, "due-date", "", "due date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&progress, "progress", 0, "progress percentage")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	return cmd
}

func taskStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id> <status>",
		Short: "Change a task's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p *domain.User) error {
				t, err := e.SetTaskStatus(ctx, p, args[0], domain.TaskStatus(args[1]))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p *domain.User) error {
				return e.DeleteTask(ctx, p, args[0])
			})
		},
	}
}

func kpiCmd() *cobra.Command {
	k := &cobra.Command{Use: "kpi", Short: "Manage KPI records (admin only)"}
	k.AddCommand(kpiListCmd())
	k.AddCommand(kpiAddCmd())
	k.AddCommand(kpiUpdateCmd())
	k.AddCommand(kpiDeleteCmd())
	return k
}

func kpiListCmd() *cobra.Command {
	var f engine.KPIFilter
	var period string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List KPI records",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Period = domain.Period(period)
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p *domain.User) error {
				kpis, err := e.ListKPIs(ctx, p, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(kpis)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Metric", "Value", "Date", "Period", "Source"})
				for _, k := range kpis {
					value := ""
					if k.MetricValue != nil {
						value = strconv.FormatFloat(*k.MetricValue, 'f', -1, 64)
					}
					tw.AppendRow(table.Row{k.ID, k.MetricName, value, k.MetricDate, k.Period, k.DataSource})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.MetricName, "metric", "", "metric name")
	cmd.Flags().StringVar(&period, "period", "", "period filter")
	cmd.Flags().StringVar(&f.From, "from", "", "first date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.To, "to", "", "last date (YYYY-MM-DD)")
	return cmd
}

func kpiAddCmd() *cobra.Command {
	var opts engine.KPICreateOptions
	var period, source string
	var value float64
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record a KPI value",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Period = domain.Period(period)
			opts.DataSource = domain.DataSource(source)
			if cmd.Flags().Changed("value") {
				opts.MetricValue = &value
			}
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p *domain.User) error {
				k, err := e.CreateKPI(ctx, p, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(k)
			})
		},
	}
	cmd.Flags().StringVar(&opts.MetricName, "metric", "", "metric name")
	cmd.Flags().Float64Var(&value, "value", 0, "metric value")
	cmd.Flags().StringVar(&opts.MetricDate, "date", "", "metric date (default today)")
	cmd.Flags().StringVar(&period, "period", "", "period (daily, weekly, monthly, yearly)")
	cmd.Flags().StringVar(&source, "source", "", "data source")
	_ = cmd.MarkFlagRequired("metric")
	return cmd
}

func kpiUpdateCmd() *cobra.Command {
	var metric, date, period, source string
	var value float64
	var clearValue bool
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a KPI record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.KPIUpdateOptions{ClearValue: clearValue}
			flags := cmd.Flags()
			if flags.Changed("metric") {
				opts.MetricName = &metric
			}
			if flags.Changed("value") {
				opts.MetricValue = &value
			}
			if flags.Changed("date") {
				opts.MetricDate = &date
			}
			if flags.Changed("period") {
				pr := domain.Period(period)
				opts.Period = &pr
			}
			if flags.Changed("source") {
				ds := domain.DataSource(source)
				opts.DataSource = &ds
			}
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p *domain.User) error {
				k, err := e.UpdateKPI(ctx, p, args[0], opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(k)
			})
		},
	}
	cmd.Flags().StringVar(&metric, "metric", "", "metric name")
	cmd.Flags().Float64Var(&value, "value", 0, "metric value")
	cmd.Flags().BoolVar(&clearValue, "clear-value", false, "clear the metric value")
	cmd.Flags().StringVar(&date, "date", "", "metric date")
	cmd.Flags().StringVar(&period, "period", "", "period")
	cmd.Flags().StringVar(&source, "source", "", "data source")
	return cmd
}

func kpiDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a KPI record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p *domain.User) error {
				return e.DeleteKPI(ctx, p, args[0])
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every mutation (employees, tasks, KPIs) is recorded with its actor. Admin only.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f events.Filter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p *domain.User) error {
				evts, err := e.ListEvents(ctx, p, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Seq", "Time", "Type", "Entity", "Actor", "Payload"})
				for _, evt := range evts {
					tw.AppendRow(table.Row{evt.Seq, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

// --- helpers ---

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		JWTSecret: viper.GetString("jwt-secret"),
	})
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func withPrincipal(ctx context.Context, fn func(context.Context, engine.Engine, *domain.User) error) error {
	email := viper.GetString("email")
	password := viper.GetString("password")
	if email == "" || password == "" {
		return errors.New("--email and --password (or TASKHUB_EMAIL/TASKHUB_PASSWORD) are required")
	}
	return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
		p, signOut, err := rt.SignIn(ctx, email, password)
		if err != nil {
			return err
		}
		defer signOut()
		return fn(ctx, rt.Engine, p)
	})
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func printUsers(users []domain.User) error {
	if viper.GetBool("json") {
		return printJSON(users)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Name", "Email", "Role", "Department", "Active"})
	for _, u := range users {
		tw.AppendRow(table.Row{u.ID, u.FullName, u.Email, u.Role, deref(u.Department), u.IsActive})
	}
	tw.Render()
	return nil
}

func printUser(u domain.User) error {
	return printUsers([]domain.User{u})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func joinAny[T ~string](items []T) string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = string(it)
	}
	return strings.Join(out, ", ")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
