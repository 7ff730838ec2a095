package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/BearBump/CarrierSync/config"
	"github.com/BearBump/CarrierSync/internal/alerting"
	"github.com/BearBump/CarrierSync/internal/app"
	"github.com/BearBump/CarrierSync/internal/broker/kafka"
	"github.com/BearBump/CarrierSync/internal/cache/rediscache"
	"github.com/BearBump/CarrierSync/internal/models"
	"github.com/BearBump/CarrierSync/internal/services/fileingest"
	"github.com/BearBump/CarrierSync/internal/storage/pgingest"
)

// ctlEnv is an opened set of services for one command run.
type ctlEnv struct {
	cfg   *config.Config
	svc   *app.Services
	repo  app.Storage
	close func()
}

type envOpener func(ctx context.Context, cfgPath string) (*ctlEnv, error)

func openEnv(ctx context.Context, cfgPath string) (*ctlEnv, error) {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга конфига: %w", err)
	}
	st, err := pgingest.New(cfg.Database.ConnString())
	if err != nil {
		return nil, err
	}
	c := rediscache.New(cfg.Redis.Addr()).WithPrefix("carriersync:")
	producer := kafka.NewProducer(cfg.Kafka.Brokers())

	svc := app.Build(cfg, app.Deps{
		Storage:  st,
		Cache:    c,
		Producer: producer,
		Provider: app.ProviderClient(cfg),
		// Оператор видит алерты в логе, в топик не пишем.
		Alerts: alerting.LogAlerter{},
	})
	return &ctlEnv{
		cfg:  cfg,
		svc:  svc,
		repo: st,
		close: func() {
			_ = producer.Close()
			_ = c.Close()
			st.Close()
		},
	}, nil
}

func newRootCmd(open envOpener) *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "ingestctl",
		Short:         "Operator tool for carrier invoice and tracking ingestion",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", os.Getenv("configPath"), "path to the YAML config")

	withEnv := func(run func(cmd *cobra.Command, env *ctlEnv, args []string) error) func(cmd *cobra.Command, args []string) error {
		return func(cmd *cobra.Command, args []string) error {
			env, err := open(cmd.Context(), cfgPath)
			if err != nil {
				return err
			}
			if env.close != nil {
				defer env.close()
			}
			return run(cmd, env, args)
		}
	}

	root.AddCommand(registerFileCmd(withEnv))
	root.AddCommand(claimCmd(withEnv))
	root.AddCommand(runBatchCmd(withEnv))
	root.AddCommand(trackCmd(withEnv))
	root.AddCommand(labelTimeCmd(withEnv))
	return root
}

type runner = func(run func(cmd *cobra.Command, env *ctlEnv, args []string) error) func(cmd *cobra.Command, args []string) error

func carrierFlag(cmd *cobra.Command) *string {
	code := cmd.Flags().StringP("carrier", "c", "", "carrier code, e.g. UPS")
	_ = cmd.MarkFlagRequired("carrier")
	return code
}

func lookupCarrier(env *ctlEnv, code string) (models.Carrier, error) {
	c, ok := env.cfg.Carrier(code)
	if !ok {
		return models.Carrier{}, fmt.Errorf("unknown carrier %q", code)
	}
	return c, nil
}

func registerFileCmd(withEnv runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register-file [path]",
		Short: "Upload an invoice file into the pending zone and register it",
		Args:  cobra.ExactArgs(1),
	}
	code := carrierFlag(cmd)
	cmd.RunE = withEnv(func(cmd *cobra.Command, env *ctlEnv, args []string) error {
		carrier, err := lookupCarrier(env, *code)
		if err != nil {
			return err
		}
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		file, err := env.svc.Files.Register(cmd.Context(), carrier, filepath.Base(args[0]), f)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "registered %s id=%d status=%s\n", file.FileName, file.ID, file.ImportStatus)
		return nil
	})
	return cmd
}

func claimCmd(withEnv runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Move pending invoice files to PROCESSING",
		Args:  cobra.NoArgs,
	}
	code := carrierFlag(cmd)
	limit := cmd.Flags().IntP("limit", "n", 20, "maximum files to claim")
	cmd.RunE = withEnv(func(cmd *cobra.Command, env *ctlEnv, args []string) error {
		carrier, err := lookupCarrier(env, *code)
		if err != nil {
			return err
		}
		files, err := env.svc.Files.ClaimPending(cmd.Context(), carrier, *limit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "claimed %d file(s)\n", len(files))
		for _, f := range files {
			fmt.Fprintf(out, "  %d\t%s\n", f.ID, f.FileName)
		}
		return nil
	})
	return cmd
}

type fileResultView struct {
	FileID     uint64 `json:"fileId"`
	FileName   string `json:"fileName"`
	Status     string `json:"status"`
	Dispatched int    `json:"dispatched"`
	Recovered  bool   `json:"recovered,omitempty"`
	Skipped    bool   `json:"skipped,omitempty"`
	Error      string `json:"error,omitempty"`
}

type batchReportView struct {
	Files      int              `json:"files"`
	Succeeded  int              `json:"succeeded"`
	Failed     int              `json:"failed"`
	Recovered  int              `json:"recovered"`
	Skipped    int              `json:"skipped"`
	Dispatched int              `json:"dispatched"`
	Results    []fileResultView `json:"results"`
}

func reportView(r fileingest.BatchReport) batchReportView {
	v := batchReportView{
		Files:      r.Files,
		Succeeded:  r.Succeeded,
		Failed:     r.Failed,
		Recovered:  r.Recovered,
		Skipped:    r.Skipped,
		Dispatched: r.Dispatched,
		Results:    make([]fileResultView, 0, len(r.Results)),
	}
	for _, fr := range r.Results {
		rv := fileResultView{
			FileID:     fr.FileID,
			FileName:   fr.FileName,
			Status:     fr.Status,
			Dispatched: fr.Dispatched,
			Recovered:  fr.Recovered,
			Skipped:    fr.Skipped,
		}
		if fr.Err != nil {
			rv.Error = fr.Err.Error()
		}
		v.Results = append(v.Results, rv)
	}
	return v
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runBatchCmd(withEnv runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run-batch",
		Short: "Process the carrier's PROCESSING invoice files and print the report",
		Args:  cobra.NoArgs,
	}
	code := carrierFlag(cmd)
	claim := cmd.Flags().Int("claim", 0, "claim up to N pending files first")
	cmd.RunE = withEnv(func(cmd *cobra.Command, env *ctlEnv, args []string) error {
		carrier, err := lookupCarrier(env, *code)
		if err != nil {
			return err
		}
		if *claim > 0 {
			if _, err := env.svc.Files.ClaimPending(cmd.Context(), carrier, *claim); err != nil {
				return err
			}
		}
		rep, err := env.svc.Files.RunBatch(cmd.Context(), carrier)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), reportView(rep))
	})
	return cmd
}

func trackCmd(withEnv runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "track [number]",
		Short: "Check one tracking number now and store the result",
		Args:  cobra.ExactArgs(1),
	}
	code := carrierFlag(cmd)
	cmd.RunE = withEnv(func(cmd *cobra.Command, env *ctlEnv, args []string) error {
		carrier, err := lookupCarrier(env, *code)
		if err != nil {
			return err
		}
		number := strings.TrimSpace(args[0])
		tn, err := env.repo.CreateOrGetTrackingNumber(cmd.Context(), models.TrackingNumberCreateInput{
			CarrierID:   carrier.ID,
			CarrierCode: carrier.Code,
			Number:      number,
		})
		if err != nil {
			return err
		}

		out, err := env.svc.Tracking.Process(cmd.Context(), carrier, *tn)
		if err != nil {
			return err
		}
		view := map[string]any{
			"trackingNumberId": tn.ID,
			"result":           out.Kind.String(),
			"cascaded":         out.Cascaded,
		}
		if !out.NextCheckAt.IsZero() {
			view["nextCheckAt"] = out.NextCheckAt.Format(time.RFC3339)
		}
		if out.Stored != nil {
			view["events"] = out.Stored.Events
			view["packages"] = out.Stored.Packages
			view["terminal"] = out.Stored.QueueStatus == models.QueueStatusTerminal
		}
		return writeJSON(cmd.OutOrStdout(), view)
	})
	return cmd
}

func labelTimeCmd(withEnv runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "label-time [number]",
		Short: "Print the label creation time reported by the provider without storing anything",
		Args:  cobra.ExactArgs(1),
	}
	code := carrierFlag(cmd)
	cmd.RunE = withEnv(func(cmd *cobra.Command, env *ctlEnv, args []string) error {
		carrier, err := lookupCarrier(env, *code)
		if err != nil {
			return err
		}
		at, err := env.svc.Tracking.FetchLabelCreationTimeOnly(cmd.Context(), carrier, strings.TrimSpace(args[0]))
		if err != nil {
			return err
		}
		if at == nil {
			fmt.Fprintln(cmd.OutOrStdout(), "not available yet")
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), at.Format(time.RFC3339))
		return nil
	})
	return cmd
}
