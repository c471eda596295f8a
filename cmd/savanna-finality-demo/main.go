// Command savanna-finality-demo wires the finality core's packages into a
// single runnable process: it loads a genesis/controller config, restores
// (or creates) a fork database, runs the finality controller and stall
// monitor, and persists a snapshot on shutdown. It advances the chain with
// synthetic blocks rather than a real block producer/network, and casts no
// votes: the genesis config carries only finalizer public keys, so no
// private key is available to sign with - wiring, not a production node.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/google/uuid"

	"github.com/savanna/finality/pkg/blockstate"
	"github.com/savanna/finality/pkg/config"
	"github.com/savanna/finality/pkg/consensus"
	"github.com/savanna/finality/pkg/controller"
	"github.com/savanna/finality/pkg/crypto/bls"
	"github.com/savanna/finality/pkg/digest"
	"github.com/savanna/finality/pkg/forkdb"
	"github.com/savanna/finality/pkg/policy"
	"github.com/savanna/finality/pkg/qc"
)

func main() {
	configPath := flag.String("config", "", "path to a genesis/controller YAML config file")
	genDemoConfig := flag.Bool("generate-config", false, "write a demo config with a fresh keypair to -config and exit")
	flag.Parse()

	logger := cmtlog.NewTMLogger(cmtlog.NewSyncWriter(os.Stdout))

	if *genDemoConfig {
		if *configPath == "" {
			fmt.Fprintln(os.Stderr, "savanna-finality-demo: -generate-config requires -config")
			os.Exit(1)
		}
		if err := writeDemoConfig(*configPath); err != nil {
			logger.Error("generate_config", "err", err)
			os.Exit(1)
		}
		logger.Info("generate_config", "path", *configPath)
		return
	}

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "usage: savanna-finality-demo -config <path> [-generate-config]")
		os.Exit(1)
	}

	if err := run(*configPath, logger); err != nil {
		logger.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func writeDemoConfig(path string) error {
	_, pub, err := bls.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("generate genesis keypair: %w", err)
	}
	contents := fmt.Sprintf(`genesis:
  generation: 1
  threshold: 1
  finalizers:
    - description: demo-finalizer-0
      weight: 1
      public_key: "%s"
controller:
  snapshot_path: ${SAVANNA_SNAPSHOT_PATH:-./savanna-finality.snapshot}
  on_duplicate: ignore
  snapshot_interval: 30s
`, pub.Hex())
	return os.WriteFile(path, []byte(contents), 0o600)
}

func run(configPath string, logger cmtlog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	genesisPolicy, err := cfg.Genesis.Policy()
	if err != nil {
		return fmt.Errorf("build genesis policy: %w", err)
	}
	if err := genesisPolicy.Validate(); err != nil {
		return fmt.Errorf("validate genesis policy: %w", err)
	}

	db, err := forkdb.LoadSnapshot(cfg.Controller.SnapshotPath, logger)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if db.Root() == nil {
		root := genesisBlockState(genesisPolicy)
		db.ResetRoot(root)
		logger.Info("genesis", "block_id", fmt.Sprintf("%x", root.ID))
	} else {
		logger.Info("restored_from_snapshot", "path", cfg.Controller.SnapshotPath, "blocks", db.Len())
	}

	ctrl := controller.New(db, nil, logger)

	ctrl.OnIrreversibleBlock(func(evt controller.IrreversibleBlockEvent) {
		logger.Info("demo_irreversible", "correlation_id", evt.CorrelationID.String(), "block_id", fmt.Sprintf("%x", evt.BlockID), "block_num", evt.BlockNum)
	})
	ctrl.OnEquivocation(func(evt controller.EquivocationEvent) {
		logger.Error("demo_equivocation", "correlation_id", evt.CorrelationID.String(), "block_id", fmt.Sprintf("%x", evt.BlockID))
	})

	monitor := consensus.NewStallMonitor(ctrl, consensus.DefaultConfig(), nil, logger)
	if err := monitor.Start(); err != nil {
		return fmt.Errorf("start stall monitor: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	stop := make(chan struct{})
	go driveDemoChain(db, ctrl, logger, stop)

	<-sigCh
	close(stop)
	monitor.Stop()
	if err := db.SaveSnapshot(cfg.Controller.SnapshotPath); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	logger.Info("shutdown_complete", "snapshot_path", cfg.Controller.SnapshotPath)
	return nil
}

func genesisBlockState(active *policy.Policy) *blockstate.BlockState {
	base := digest.Sum([]byte("savanna-finality-demo-genesis"))
	bs := &blockstate.BlockState{
		ID:           base,
		BlockNum:     0,
		Timestamp:    1,
		StrongDigest: base,
		WeakDigest:   digest.WeakDigest(base),
		ActivePolicy: active,
	}
	bs.AggregatingQC = qc.New(bs.BlockNum, bs.StrongDigest, bs.WeakDigest, active, nil)
	bs.MarkValid()
	return bs
}

// dbAncestors adapts ForkDB to blockstate.AncestorLookup by walking the
// already-linked branch between a candidate's parent and its QC claim
// target (§4.4 step 7, §4.6.FetchBranch).
type dbAncestors struct{ db *forkdb.ForkDB }

func (a dbAncestors) FinalityLeavesUpTo(parent *blockstate.BlockState, claimBlockNum uint32) ([]digest.Hash, error) {
	if claimBlockNum > parent.BlockNum {
		return nil, nil
	}
	branch, err := a.db.FetchBranch(parent.ID, claimBlockNum)
	if err != nil {
		return nil, err
	}
	leaves := make([]digest.Hash, len(branch))
	for i, bs := range branch {
		leaves[len(branch)-1-i] = bs.FinalityLeaf
	}
	return leaves, nil
}

// driveDemoChain appends one block per tick to the fork database,
// each claiming its immediate parent strong, exercising
// Derive/AddBlock/processStrongClaim end to end. It does not vote (see
// the package doc on why no private key is available here). Stops when
// stop is closed.
func driveDemoChain(db *forkdb.ForkDB, ctrl *controller.Controller, logger cmtlog.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	ancestors := dbAncestors{db: db}
	parent, _ := db.Head(true)
	blockNum := parent.BlockNum
	ts := parent.Timestamp

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			blockNum++
			ts++
			header := blockstate.Header{
				ID:                     digest.Sum([]byte(fmt.Sprintf("demo-block-%d", blockNum))),
				Previous:               parent.ID,
				BlockNum:               blockNum,
				Timestamp:              ts,
				LatestQCBlockTimestamp: parent.LatestQCBlockTimestamp,
				ActionMRoot:            digest.Hash{},
				QCClaim:                blockstate.QCClaim{BlockNum: parent.BlockNum, IsStrong: true},
			}
			bs, err := blockstate.Derive(parent, header, ancestors)
			if err != nil {
				logger.Error("demo_derive", "err", err)
				continue
			}
			corrID := uuid.New()
			if _, err := ctrl.AddBlock(bs, corrID, forkdb.OnDuplicateIgnore, nil, nil); err != nil {
				logger.Error("demo_add_block", "err", err)
				continue
			}
			parent = bs
		}
	}
}
