package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sdig/sqldb"
	"github.com/sdig/sqldb/cfg"
	"github.com/sdig/sqldb/telemetry"
)

func main() {
	flag.Parse()

	if err := cfg.Load(*cfg.ConfigPathFlag); err != nil {
		panic(err)
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stderr
	}
	gLog := zerolog.New(writer).With().Timestamp().Logger()
	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	if cfg.Config.Prometheus.Enabled {
		telemetry.InitializeTelemetry()
		go func() {
			err := http.ListenAndServe(cfg.Config.Prometheus.Address,
				telemetry.GetMetricsHandler())
			log.Warn().Err(err).Msg("Metrics listener stopped")
		}()
	}

	session, err := sqldb.Open(cfg.Config.Database.URI)
	if err != nil {
		log.Fatal().Err(err).Str("uri", cfg.Config.Database.URI).
			Msg("Failed to open database")
		return
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close database")
		}
	}()

	log.Debug().Str("uri", session.URI()).Msg("Database open")

	if flag.NArg() > 0 {
		for _, sql := range flag.Args() {
			if err := run(session, sql); err != nil {
				log.Fatal().Err(err).Msg("Statement failed")
				return
			}
		}
		return
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		sql := strings.TrimSpace(scanner.Text())
		if sql == "" {
			continue
		}
		if err := run(session, sql); err != nil {
			log.Error().Err(err).Msg("Statement failed")
		}
	}
	if err := scanner.Err(); err != nil {
		log.Fatal().Err(err).Msg("Reading input")
	}
}

// run executes every statement in sql, printing result rows tab-separated
// with a column header.
func run(session *sqldb.Session, sql string) error {
	for sql != "" {
		stmt := sqldb.NewStatement()
		rest, err := stmt.PrepareTail(session, sql)
		if err != nil {
			return err
		}
		sql = rest

		row, err := stmt.Begin()
		if err != nil {
			stmt.Finalize()
			return err
		}
		header := false
		for !row.Empty() {
			if !header {
				names := make([]string, row.ColumnCount())
				for i := range names {
					names[i] = row.ColumnName(i)
				}
				fmt.Println(strings.Join(names, "\t"))
				header = true
			}
			fields := make([]string, row.ColumnCount())
			for i := range fields {
				fields[i] = row.Text(i)
			}
			fmt.Println(strings.Join(fields, "\t"))

			if row, err = stmt.Next(); err != nil {
				stmt.Finalize()
				return err
			}
		}
		if !header {
			log.Debug().Int("rows_affected", session.RowsAffected()).
				Msg("Statement done")
		}
		if err := stmt.Finalize(); err != nil {
			return err
		}
	}
	return nil
}
