package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var flagInitForce bool

func init() {
	initCmd.Flags().BoolVar(&flagInitForce, "force", false, "Overwrite an existing config file")
}

const sampleConfig = `version: 1
network: local

networks:
  local:
    chain_id: 31337
    rpc_url: http://127.0.0.1:8545
    lookback_blocks: 10000
  testnet:
    chain_id: 84532
    rpc_url: ${RPC_URL_TESTNET}
    fallback_rpc_urls: []
    rps: 10
    burst: 20

contracts:
  raffle: "0x0000000000000000000000000000000000000001"
  market_factory: "0x0000000000000000000000000000000000000002"
  oracle: "0x0000000000000000000000000000000000000003"

# Extra ABI JSON files override the built-in contract ABIs by file name.
abi_dirs: []

poller:
  interval: 4s
  max_block_range: 2000
  max_log_failures: 10

onchain:
  max_retries: 5
  alert_after: 3
  base_delay: 1s
  max_delay: 30s
  receipt_timeout: 60s

gasless:
  max_attempts: 3
  delays: [5s, 15s, 45s]
  market_type: WINNER_PREDICTION

alerts:
  threshold: 3
  cooldown: 5m
  sinks: []
  #  - id: ops
  #    type: slack
  #    webhook_url: https://hooks.slack.com/services/...

lifecycle:
  enabled: true
  interval: 5m
  max_retries: 3

storage:
  dsn: season-keeper.db
  # redis_url: redis://127.0.0.1:6379/0

wallet:
  private_key: ${BACKEND_WALLET_PRIVATE_KEY}
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(cfgPath); err == nil && !flagInitForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if err := os.WriteFile(cfgPath, []byte(sampleConfig), 0o600); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", cfgPath)
		return nil
	},
}
