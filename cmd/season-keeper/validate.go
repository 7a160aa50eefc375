package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/devblac/season-keeper/internal/config"
	"github.com/devblac/season-keeper/internal/contracts"
	"github.com/spf13/cobra"
)

const defaultHTTPTimeout = 8 * time.Second

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate config, ABIs and ping every RPC endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}
		fmt.Fprintf(out, "config OK (version %d, network %s)\n", cfg.Version, cfg.Network)

		if _, err := contracts.LoadABIs(cfg.ABIDirs); err != nil {
			return fmt.Errorf("abis invalid: %w", err)
		}
		fmt.Fprintln(out, "abis OK")

		n := cfg.ActiveNetwork()
		client := &http.Client{Timeout: defaultHTTPTimeout}
		failures := 0
		for i, endpoint := range n.Endpoints() {
			role := "fallback"
			if i == 0 {
				role = "primary"
			}
			chainID, err := pingEVM(cmd.Context(), client, endpoint)
			if err != nil {
				failures++
				fmt.Fprintf(out, "- %s %s: ERROR %v\n", role, redactURL(endpoint), err)
				continue
			}
			if n.ChainID != 0 && chainID.Uint64() != n.ChainID {
				failures++
				fmt.Fprintf(out, "- %s %s: chainId %s, expected %d\n", role, redactURL(endpoint), chainID, n.ChainID)
				continue
			}
			fmt.Fprintf(out, "- %s %s: chainId %s OK\n", role, redactURL(endpoint), chainID)
		}

		if failures > 0 {
			return fmt.Errorf("validate: %d endpoint(s) failed connectivity", failures)
		}

		fmt.Fprintln(out, "validate: success")
		return nil
	},
}

func pingEVM(ctx context.Context, client *http.Client, url string) (*big.Int, error) {
	payload := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "eth_chainId",
		"params":  []any{},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call eth_chainId: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("rpc status %d", resp.StatusCode)
	}

	var rpcResp struct {
		Result string `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode rpc response: %w", err)
	}

	if rpcResp.Error != nil {
		return nil, fmt.Errorf("rpc error: %s", rpcResp.Error.Message)
	}
	id, ok := new(big.Int).SetString(strings.TrimPrefix(rpcResp.Result, "0x"), 16)
	if rpcResp.Result == "" || !ok {
		return nil, fmt.Errorf("bad chainId result %q", rpcResp.Result)
	}
	return id, nil
}

// redactURL drops path and query, where providers put API tokens.
func redactURL(raw string) string {
	if i := strings.Index(raw, "://"); i >= 0 {
		rest := raw[i+3:]
		if j := strings.IndexAny(rest, "/?"); j >= 0 {
			return raw[:i+3+j] + "/..."
		}
	}
	return raw
}
