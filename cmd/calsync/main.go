package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/wolfeidau/calsync/cmd/calsync/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Run      commands.RunCmd      `cmd:"" help:"Run the sync engine until interrupted"`
		Sync     commands.SyncCmd     `cmd:"" help:"Run one detection pass and wait for it to be applied"`
		Create   commands.CreateCmd   `cmd:"" help:"Create an event"`
		Update   commands.UpdateCmd   `cmd:"" help:"Update an event"`
		Delete   commands.DeleteCmd   `cmd:"" help:"Delete an event"`
		Query    commands.QueryCmd    `cmd:"" help:"List local events"`
		Status   commands.StatusCmd   `cmd:"" help:"Show engine metrics and health"`
		Criteria commands.CriteriaCmd `cmd:"" help:"Check the engine against its performance targets"`
		Recover  commands.RecoverCmd  `cmd:"" help:"Resolve transactions left in the write-ahead log"`
		WAL      commands.WALCmd      `cmd:"" name:"wal" help:"Inspect and maintain the write-ahead log"`

		Debug   bool   `help:"Enable debug mode."`
		Config  string `help:"Path to the config file." default:"~/.calsync/config.yaml" type:"path" env:"CALSYNC_CONFIG"`
		LogFile string `help:"Also write logs to this file, rotated by size." env:"CALSYNC_LOG_FILE"`
		Version kong.VersionFlag
	}
)

func main() {
	// optional; env-tagged flags and config overrides may come from .env
	_ = godotenv.Load()

	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{
		Debug:   cli.Debug,
		Version: version,
		Config:  cli.Config,
		LogFile: cli.LogFile,
	})
	cmd.FatalIfErrorf(err)
}
