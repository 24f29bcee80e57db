package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	"crawshaw.io/sqlite"
	"github.com/dzfranklin/gtfseditor"
	"github.com/dzfranklin/gtfseditor/api"
	"github.com/dzfranklin/gtfseditor/config"
	"github.com/dzfranklin/gtfseditor/jobs"
	"github.com/dzfranklin/gtfseditor/validator"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

func usageAndDie() {
	fmt.Println("Example usage:\n" +
		"    gtfseditor --serve [--config config.yml]\n" +
		"    gtfseditor --import <timetable.zip> --user <owner> --project <name>\n" +
		"    gtfseditor --export <name> --user <owner> [--out <timetable.zip>]")
	os.Exit(1)
}

func main() {
	serve := pflag.BoolP("serve", "s", false, "Serve the HTTP API")
	importPath := pflag.StringP("import", "i", "", "Import a GTFS zip into a project, creating it if needed")
	exportName := pflag.StringP("export", "e", "", "Export a project to a GTFS zip")

	configPath := pflag.StringP("config", "c", "", "Path to a YAML config file")
	owner := pflag.StringP("user", "u", "", "Owner of the project to import into or export")
	projectName := pflag.StringP("project", "p", "", "Name of the project to import into")
	output := pflag.StringP("out", "o", "", "Path to write output to")

	pflag.Parse()

	primaryCount := 0
	for _, set := range []bool{*serve, *importPath != "", *exportName != ""} {
		if set {
			primaryCount++
		}
	}
	if primaryCount != 1 {
		usageAndDie()
	}

	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Printf("Error: load .env: %s\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	}
	slog.SetLogLoggerLevel(cfg.Level())

	db, err := gtfseditor.Open(cfg.Database.Path, cfg.Database.PoolSize)
	if err != nil {
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if *serve {
		err = runServer(cfg, db)
	} else if *importPath != "" {
		if *owner == "" {
			usageAndDie()
		}
		name := *projectName
		if name == "" {
			name = trimFileExt(path.Base(*importPath))
		}
		err = importFeed(db, *importPath, *owner, name)
	} else {
		if *owner == "" {
			usageAndDie()
		}
		outputPath := *output
		if outputPath == "" {
			outputPath = *exportName + ".zip"
		}
		err = exportFeed(db, *owner, *exportName, outputPath)
	}

	if err != nil {
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	} else {
		fmt.Println("All done")
	}
}

func runServer(cfg *config.Config, db *gtfseditor.DB) error {
	queue := jobs.New(cfg.Jobs.Workers, cfg.Jobs.Backlog)
	defer func() { _ = queue.Close() }()
	runner := &validator.Runner{
		Command: cfg.Validator.Command,
		Args:    cfg.Validator.Args,
		Timeout: cfg.Validator.Timeout,
	}
	builder := gtfseditor.NewBuilder(db, queue, runner)

	r := mux.NewRouter()
	h := api.NewHandler(db, builder)
	h.RegisterRoutes(r)
	r.Use(loggingMiddleware)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info(fmt.Sprintf("Server starting on %s", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		return err
	case <-quit:
	}

	slog.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func importFeed(db *gtfseditor.DB, inputPath, owner, name string) error {
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return err
	}

	slog.Info(fmt.Sprintf("Importing %s into %s/%s", inputPath, owner, name))
	return db.With(context.Background(), func(conn *sqlite.Conn) error {
		project, err := findProject(conn, owner, name)
		if errors.Is(err, gtfseditor.ErrNotFound) {
			project, err = gtfseditor.CreateProject(conn, owner, name, "")
		}
		if err != nil {
			return err
		}

		res, err := gtfseditor.ImportFeed(conn, project.ID, data)
		if err != nil {
			return err
		}
		for _, file := range res.Files {
			slog.Info(fmt.Sprintf("%s: %d rows", file.Kind.FileName(), file.Rows))
			for _, warning := range file.Warnings {
				slog.Warn(warning.Error())
			}
		}
		return nil
	})
}

func exportFeed(db *gtfseditor.DB, owner, name, outputPath string) error {
	return db.With(context.Background(), func(conn *sqlite.Conn) error {
		project, err := findProject(conn, owner, name)
		if err != nil {
			return err
		}
		res, err := gtfseditor.Assemble(conn, project.ID)
		if err != nil {
			return err
		}
		for _, warning := range res.Warnings {
			slog.Warn(warning)
		}
		if err := os.WriteFile(outputPath, res.Zip, 0o644); err != nil {
			return err
		}
		slog.Info(fmt.Sprintf("Wrote %s", outputPath))
		return nil
	})
}

func findProject(conn *sqlite.Conn, owner, name string) (*gtfseditor.Project, error) {
	projects, err := gtfseditor.ListProjects(conn, owner)
	if err != nil {
		return nil, err
	}
	for _, p := range projects {
		if p.Name == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("project %s/%s: %w", owner, name, gtfseditor.ErrNotFound)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Info(fmt.Sprintf("%s %s %s", r.Method, r.RequestURI, time.Since(start)))
	})
}

func trimFileExt(name string) string {
	i := strings.LastIndex(name, ".")
	if i == -1 {
		return name
	} else {
		return name[:i]
	}
}
