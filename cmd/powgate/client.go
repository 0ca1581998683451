package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"powgate/internal/client"
	"powgate/internal/fingerprint"
	"powgate/internal/observability"
	"powgate/internal/pow"
)

func hostGenerator() *fingerprint.Generator {
	return fingerprint.NewGenerator(fingerprint.HostProbes{}, observability.GetLogger())
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newFingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print this host's fingerprint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fp, err := hostGenerator().Generate(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), fp)
		},
	}
}

func newSolveCmd() *cobra.Command {
	var (
		challenge    string
		fp           string
		difficulty   int
		timestamp    int64
		maxIter      uint64
		showProgress bool
	)
	cmd := &cobra.Command{
		Use:   "solve",
		Short: "Solve one proof-of-work puzzle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if challenge == "" {
				return errors.New("--challenge is required")
			}
			if fp == "" {
				host, err := hostGenerator().Generate(cmd.Context())
				if err != nil {
					return err
				}
				fp = host.CombinedHash
			}
			if timestamp == 0 {
				timestamp = time.Now().UnixMilli()
			}

			solver := pow.NewSolver()
			if maxIter > 0 {
				solver.MaxIterations = maxIter
			}
			start := time.Now()
			task := solver.Submit(cmd.Context(), pow.Puzzle{
				Challenge:   challenge,
				Fingerprint: fp,
				Timestamp:   timestamp,
				Difficulty:  difficulty,
			})
			for p := range task.Progress() {
				if showProgress {
					fmt.Fprintf(cmd.ErrOrStderr(), "\r%d attempts", p.Iterations)
				}
			}
			if showProgress {
				fmt.Fprintln(cmd.ErrOrStderr())
			}
			sol, err := task.Wait(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), struct {
				*pow.Solution
				Elapsed string `json:"elapsed"`
			}{sol, time.Since(start).Round(time.Millisecond).String()})
		},
	}
	cmd.Flags().StringVar(&challenge, "challenge", "", "challenge value from the issue endpoint")
	cmd.Flags().StringVar(&fp, "fingerprint", "", "fingerprint hash (default: this host)")
	cmd.Flags().IntVar(&difficulty, "difficulty", 4, "leading zero hex digits required")
	cmd.Flags().Int64Var(&timestamp, "timestamp", 0, "Unix milliseconds (default: now)")
	cmd.Flags().Uint64Var(&maxIter, "max-iterations", 0, "give up after this many attempts")
	cmd.Flags().BoolVar(&showProgress, "progress", true, "report progress on stderr")
	return cmd
}

func newCallCmd() *cobra.Command {
	var (
		baseURL  string
		method   string
		data     string
		dataFile string
	)
	cmd := &cobra.Command{
		Use:   "call PATH",
		Short: "Send a protected request with a fresh proof",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := []byte(data)
			if dataFile != "" {
				var err error
				if body, err = os.ReadFile(dataFile); err != nil {
					return err
				}
			}
			if baseURL == "" {
				baseURL = "http://localhost" + cfg.Server.Addr
			}

			m, err := client.NewManager(client.Options{
				BaseURL:   baseURL,
				IssuePath: cfg.Server.IssuePath,
				Generator: hostGenerator(),
				Logger:    observability.GetLogger(),
			})
			if err != nil {
				return err
			}

			header := http.Header{}
			header.Set("Content-Type", "application/json")
			resp, err := m.Do(cmd.Context(), strings.ToUpper(method), args[0], body, header)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			fmt.Fprintln(cmd.ErrOrStderr(), resp.Status)
			if _, err := io.Copy(cmd.OutOrStdout(), resp.Body); err != nil {
				return err
			}
			if resp.StatusCode >= http.StatusBadRequest {
				return fmt.Errorf("server answered %s", resp.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "", "gate base URL (default: http://localhost<server.addr>)")
	cmd.Flags().StringVarP(&method, "method", "X", http.MethodPost, "HTTP method")
	cmd.Flags().StringVarP(&data, "data", "d", "", "request body")
	cmd.Flags().StringVar(&dataFile, "data-file", "", "read the request body from a file")
	return cmd
}
