// Command catenad is a reference harness wiring Catena's core packages
// together against the in-memory demoApplication stub, so the module runs
// end-to-end without a real SQL engine attached. It is not a deployable
// node: flag parsing, persistence, and the SQL front end are all out of
// scope (spec.md §1 Non-goals); a real deployment supplies its own
// Application and persistent chain.Chain.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pixelspark/catena-sub001/chain"
	"github.com/pixelspark/catena-sub001/crypto"
	"github.com/pixelspark/catena-sub001/ledger"
	"github.com/pixelspark/catena-sub001/miner"
	"github.com/pixelspark/catena-sub001/node"
)

var (
	listenAddr = flag.String("listen", ":8765", "address to serve the gossip WebSocket endpoint on")
	seedPeers  = flag.String("seeds", "", "comma-separated ws:// URLs of peers to dial on startup")
	difficulty = flag.Int("difficulty", 8, "proof-of-work difficulty (leading zero bits)")
	tick       = flag.Duration("tick", 2*time.Second, "node tick interval")
)

// hookProxy lets the Ledger be constructed with a live ExecutionHook before
// the Miner — which needs the Ledger itself — exists yet.
type hookProxy struct {
	target chain.ExecutionHook
}

func (h *hookProxy) OnAdvance(b *chain.Block) {
	if h.target != nil {
		h.target.OnAdvance(b)
	}
}

func (h *hookProxy) OnUnwind(b *chain.Block) {
	if h.target != nil {
		h.target.OnUnwind(b)
	}
}

func buildGenesis(app *demoApplication) *chain.Block {
	g := &chain.Block{
		Version:  1,
		Index:    0,
		Previous: crypto.ZeroHash,
		Miner:    crypto.PublicKeyHash{},
		Payload:  app.Template(crypto.PublicKeyHash{}),
	}
	for nonce := uint64(0); ; nonce++ {
		g.Nonce = nonce
		sig := chain.ComputeSignature(app, g)
		if crypto.Difficulty(sig) >= 1 {
			g.Signature = sig
			return g
		}
	}
}

func main() {
	flag.Parse()
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log := logrus.WithField("component", "catenad")

	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		log.WithError(err).Fatal("failed to generate identity keypair")
	}
	_ = priv // the demo signs nothing itself; a real deployer persists priv.

	params := chain.DefaultChainParams()
	params.BaseDifficulty = *difficulty

	app := newDemoApplication(params)
	genesis := buildGenesis(app)
	memChain := chain.NewMemChain(genesis)

	hook := &hookProxy{}
	led := ledger.New(memChain, app, params, hook)

	self := uuid.New()
	var n *node.Node
	m := miner.New(led, app, app, app, params, pub.Hash(), func(b *chain.Block) {
		n.ReceiveMinedBlock(b)
	})
	hook.target = m

	listenPort := parsePort(*listenAddr)
	n = node.New(self, listenPort, led, m, params)

	if *seedPeers != "" {
		var urls []string
		for _, u := range strings.Split(*seedPeers, ",") {
			u = strings.TrimSpace(u)
			if u != "" {
				urls = append(urls, u)
			}
		}
		n.SeedPeers(urls)
	}

	log.WithFields(logrus.Fields{
		"self":    self.String(),
		"miner":   pub.Hash().String(),
		"genesis": genesis.Signature.String(),
	}).Info("starting catenad")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if err := n.Accept(w, r); err != nil {
			log.WithError(err).Debug("rejected inbound gossip connection")
		}
	})
	server := &http.Server{Addr: *listenAddr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("gossip listener failed")
		}
	}()

	go n.Run(ctx, *tick)
	go m.Run(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
}

// parsePort extracts the numeric port from a "host:port" listen address, for
// advertising to peers we dial out to.
func parsePort(addr string) uint16 {
	i := strings.LastIndex(addr, ":")
	if i < 0 {
		return 0
	}
	var port uint16
	for _, c := range addr[i+1:] {
		if c < '0' || c > '9' {
			return 0
		}
		port = port*10 + uint16(c-'0')
	}
	return port
}
