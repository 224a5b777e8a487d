// 种子数据装载工具：把 YAML 描述的主数据、规则与排班周期写入数据库
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/paiban/nursesched/internal/config"
	"github.com/paiban/nursesched/internal/database"
	"github.com/paiban/nursesched/internal/repository"
	"github.com/paiban/nursesched/internal/rulelib"
	"github.com/paiban/nursesched/pkg/logger"
)

func main() {
	file := flag.String("file", "cmd/seed/testdata/icu.yaml", "种子数据文件")
	sqlite := flag.String("sqlite", "", "写入指定的 SQLite 文件，忽略数据库配置")
	withLibrary := flag.Bool("with-library", false, "同时写入内置规则库")
	hospital := flag.String("hospital", "", "内置规则库的医院ID，为空时跳过医院层规则")
	night := flag.String("night", "N", "内置规则库使用的夜班代码")
	day := flag.String("day", "D", "内置规则库使用的白班代码")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger.Init(logger.Config{Level: cfg.App.LogLevel, Format: cfg.App.LogFormat})

	if *sqlite != "" {
		cfg.Database.Driver = "sqlite"
		cfg.Database.Path = *sqlite
	}

	var library *rulelib.Options
	if *withLibrary {
		library = &rulelib.Options{NightCode: *night, DayCode: *day, HospitalID: *hospital}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, &cfg.Database, *file, library); err != nil {
		logger.Error().Err(err).Str("file", *file).Msg("种子数据装载失败")
		os.Exit(1)
	}
}

func run(ctx context.Context, dbCfg *config.DatabaseConfig, file string, library *rulelib.Options) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	fx, err := ParseFixture(f)
	if err != nil {
		return err
	}

	db, err := database.New(dbCfg)
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = NewLoader(repository.NewStore(db)).Load(ctx, fx, library)
	return err
}
