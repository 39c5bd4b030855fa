package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rapidalle/rapidalle/internal/app"
	"github.com/rapidalle/rapidalle/internal/config"
	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", config.DefaultConfigPath, "path to config.yaml")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-config path] [serve|migrate|create-admin -username U -password P]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Warn("no .env file found")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	appCfg := config.AppConfig{ConfigPath: *configPath}
	command := flag.Arg(0)
	var args []string
	if flag.NArg() > 1 {
		args = flag.Args()[1:]
	}

	var errRun error
	switch command {
	case "", "serve":
		errRun = app.RunServer(ctx, appCfg)
	case "migrate":
		errRun = app.Migrate(ctx, appCfg)
		if errRun == nil {
			log.Info("migrations applied")
		}
	case "create-admin":
		fs := flag.NewFlagSet("create-admin", flag.ExitOnError)
		username := fs.String("username", "", "admin username")
		password := fs.String("password", "", "admin password")
		_ = fs.Parse(args)
		errRun = app.CreateAdmin(ctx, appCfg, *username, *password)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if errRun != nil {
		log.Fatalf("rapidalle %s: %v", command, errRun)
	}
}
