//cmd/seeder/main.go
package main

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/unclebandit/outreach-engine/internal/config"
	"github.com/unclebandit/outreach-engine/internal/db"
	"github.com/unclebandit/outreach-engine/internal/logger"
	"github.com/unclebandit/outreach-engine/internal/model"
	"github.com/unclebandit/outreach-engine/internal/repository"
)

// defaultTemplates are the follow-ups sent at steps 2 and 3.
var defaultTemplates = []model.Template{
	{
		Name:    "24-Hour Reminder",
		Subject: "Re: following up, {{first_name}}",
		Body:    "<p>Hi {{first_name}},</p><p>Just bumping this in case it got buried. Happy to share more if it is useful.</p>",
	},
	{
		Name:    "48-Hour Reminder",
		Subject: "Re: one last note, {{first_name}}",
		Body:    "<p>Hi {{first_name}},</p><p>I will close the loop here. If the timing is better later, just reply to this thread.</p>",
	},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	lg, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer lg.Sync()

	ctx := context.Background()
	conn, err := db.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		lg.Fatal("failed to connect to DB", zap.Error(err))
	}
	defer conn.Close()

	dir := os.Getenv("MIGRATIONS_DIR")
	if dir == "" {
		dir = "migrations"
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		lg.Fatal("failed to list migrations", zap.Error(err))
	}
	sort.Strings(files)

	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			lg.Fatal("failed to read migration", zap.String("file", file), zap.Error(err))
		}
		if _, err := conn.ExecContext(ctx, string(content)); err != nil {
			lg.Fatal("failed to execute migration", zap.String("file", file), zap.Error(err))
		}
		lg.Info("applied", zap.String("file", file))
	}

	templates := &repository.TemplateRepository{DB: conn}
	for _, t := range defaultTemplates {
		if err := templates.Upsert(ctx, &t); err != nil {
			lg.Fatal("failed to seed template", zap.String("template", t.Name), zap.Error(err))
		}
		lg.Info("seeded template", zap.String("template", t.Name), zap.Int64("id", t.ID))
	}

	lg.Info("database seeding completed")
}
