package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"bftcomm/internal/comm"
	"bftcomm/internal/config"
	"bftcomm/internal/crypto"
	"bftcomm/internal/debuglog"
	"bftcomm/internal/handler"
	"bftcomm/internal/metrics"
	"bftcomm/internal/network"
	"bftcomm/internal/pprofutil"
	"bftcomm/internal/proto"
	"bftcomm/internal/tree"
	"bftcomm/internal/view"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runReplica(args[1:], stdout, stderr)
	case "keygen":
		return runKeygen(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: replica <run|keygen> [args]")
	fmt.Fprintln(w, "  run    --id <n> --hosts <id=host:port,...> [--ttp <id>] [--quic] [--tree static|dynamic]")
	fmt.Fprintln(w, "         [--tls-cert <pem> --tls-key <pem> --tls-ca <pem>] [--broadcast <n>]")
	fmt.Fprintln(w, "         [--metrics <addr>] [--snapshot <file>] [--keydir <dir>] [--debug]")
	fmt.Fprintln(w, "  keygen --dir <dir> --ids <id,...> [--alg Ed25519|SHA3-256withRSA/PSS] [--tls]")
}

// parseHosts reads "0=127.0.0.1:11000,1=127.0.0.1:11010".
func parseHosts(raw string) (map[proto.ReplicaID]string, error) {
	hosts := make(map[proto.ReplicaID]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idRaw, addr, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(addr) == "" {
			return nil, fmt.Errorf("bad host entry %q", part)
		}
		id, err := strconv.ParseInt(strings.TrimSpace(idRaw), 10, 32)
		if err != nil || id < 0 {
			return nil, fmt.Errorf("bad replica id in %q", part)
		}
		if _, dup := hosts[proto.ReplicaID(id)]; dup {
			return nil, fmt.Errorf("duplicate replica id %d", id)
		}
		hosts[proto.ReplicaID(id)] = strings.TrimSpace(addr)
	}
	if len(hosts) == 0 {
		return nil, errors.New("no hosts")
	}
	return hosts, nil
}

func parseIDs(raw string) ([]proto.ReplicaID, error) {
	var ids []proto.ReplicaID
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 32)
		if err != nil || id < 0 {
			return nil, fmt.Errorf("bad replica id %q", part)
		}
		ids = append(ids, proto.ReplicaID(id))
	}
	if len(ids) == 0 {
		return nil, errors.New("no ids")
	}
	return ids, nil
}

// devSigner derives a deterministic Ed25519 key for id. Every process of a
// local cluster can compute every public key without a key directory.
func devSigner(id proto.ReplicaID) (crypto.Signer, error) {
	seed := crypto.SHA3_256([]byte(fmt.Sprintf("bftcomm-dev-replica-%d", id)))
	return crypto.NewEd25519Signer(seed)
}

// loadKeys returns the local signer and every replica's public key.
func loadKeys(keydir, alg string, self proto.ReplicaID, ids []proto.ReplicaID) (crypto.Signer, map[proto.ReplicaID][]byte, error) {
	pubs := make(map[proto.ReplicaID][]byte, len(ids))
	var signer crypto.Signer
	for _, id := range ids {
		if keydir == "" {
			if alg != crypto.SigEd25519 {
				return nil, nil, fmt.Errorf("dev keys are %s; pass --keydir for %s", crypto.SigEd25519, alg)
			}
			s, err := devSigner(id)
			if err != nil {
				return nil, nil, err
			}
			pubs[id] = s.Public()
			if id == self {
				signer = s
			}
			continue
		}
		pub, priv, err := crypto.LoadKeypair(filepath.Join(keydir, strconv.Itoa(int(id))))
		if err != nil {
			return nil, nil, fmt.Errorf("load keys of %d: %w", id, err)
		}
		pubs[id] = pub
		if id == self {
			signer, err = crypto.NewSigner(alg, priv)
			if err != nil {
				return nil, nil, err
			}
		}
	}
	if signer == nil {
		return nil, nil, fmt.Errorf("no key for replica %d", self)
	}
	return signer, pubs, nil
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dir := fs.String("dir", "", "output directory")
	idsRaw := fs.String("ids", "", "comma separated replica ids")
	alg := fs.String("alg", crypto.SigEd25519, "signature algorithm")
	withTLS := fs.Bool("tls", false, "also write a cluster TLS key pair and CA bundle under <dir>/tls")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *dir == "" {
		fmt.Fprintln(stderr, "missing --dir")
		return 1
	}
	ids, err := parseIDs(*idsRaw)
	if err != nil {
		fmt.Fprintf(stderr, "invalid --ids: %v\n", err)
		return 1
	}
	for _, id := range ids {
		s, err := crypto.GenerateSigner(*alg)
		if err != nil {
			fmt.Fprintf(stderr, "generate: %v\n", err)
			return 1
		}
		sub := filepath.Join(*dir, strconv.Itoa(int(id)))
		if err := os.MkdirAll(sub, 0700); err != nil {
			fmt.Fprintf(stderr, "mkdir: %v\n", err)
			return 1
		}
		if err := crypto.SaveKeypair(sub, s); err != nil {
			fmt.Fprintf(stderr, "save: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "wrote %s\n", sub)
	}
	if *withTLS {
		sub := filepath.Join(*dir, "tls")
		if err := network.WriteClusterTLS(sub); err != nil {
			fmt.Fprintf(stderr, "tls: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "wrote %s\n", sub)
	}
	return 0
}

func runReplica(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	id := fs.Int("id", -1, "local replica id")
	hostsRaw := fs.String("hosts", "", "replica addresses as id=host:port,...")
	ttp := fs.Int("ttp", int(proto.NoReplica), "id of the trusted third party")
	useQUIC := fs.Bool("quic", false, "use QUIC (dev certificates unless --tls-* are given)")
	tlsCert := fs.String("tls-cert", "", "PEM certificate for QUIC")
	tlsKey := fs.String("tls-key", "", "PEM private key for QUIC")
	tlsCA := fs.String("tls-ca", "", "PEM bundle of trusted replica certificates")
	treeMode := fs.String("tree", "", "disseminate over a spanning tree (static|dynamic)")
	broadcast := fs.Int("broadcast", 0, "number of demo consensus messages to send")
	metricsAddr := fs.String("metrics", "", "metrics listen addr (host:port)")
	snapshot := fs.String("snapshot", "", "write a JSON metrics snapshot here on exit")
	keydir := fs.String("keydir", "", "directory written by keygen")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *debug {
		_ = os.Setenv("BFT_DEBUG", "1")
	}
	if *id < 0 {
		fmt.Fprintln(stderr, "missing --id")
		return 1
	}
	hosts, err := parseHosts(*hostsRaw)
	if err != nil {
		fmt.Fprintf(stderr, "invalid --hosts: %v\n", err)
		return 1
	}
	tlsSet := *tlsCert != "" || *tlsKey != "" || *tlsCA != ""
	if tlsSet && (*tlsCert == "" || *tlsKey == "" || *tlsCA == "") {
		fmt.Fprintln(stderr, "--tls-cert, --tls-key and --tls-ca go together")
		return 1
	}
	if tlsSet {
		*useQUIC = true
	}
	self := proto.ReplicaID(*id)
	if _, ok := hosts[self]; !ok {
		fmt.Fprintf(stderr, "replica %d missing from --hosts\n", self)
		return 1
	}

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	if *treeMode != "" {
		cfg.TreeMode = *treeMode
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *useQUIC {
		cfg.SecureTransport = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}

	var ids, members []proto.ReplicaID
	for rid := range hosts {
		ids = append(ids, rid)
		if rid != proto.ReplicaID(*ttp) {
			members = append(members, rid)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	signer, pubs, err := loadKeys(*keydir, cfg.SignatureAlgorithm, self, ids)
	if err != nil {
		fmt.Fprintf(stderr, "keys: %v\n", err)
		return 1
	}
	v := view.New(view.Options{
		Self:               self,
		TTP:                proto.ReplicaID(*ttp),
		Members:            members,
		Hosts:              hosts,
		PublicKeys:         pubs,
		SignatureAlgorithm: cfg.SignatureAlgorithm,
	})

	var transport network.Transport = network.NewTCPTransport(cfg.MaxConnsPerHost)
	switch {
	case tlsSet:
		cert, roots, err := network.LoadTLS(*tlsCert, *tlsKey, *tlsCA)
		if err != nil {
			fmt.Fprintf(stderr, "tls: %v\n", err)
			return 1
		}
		transport = network.NewQUICTransport(cert, roots, cfg.MaxConnsPerHost)
	case *useQUIC:
		fmt.Fprintln(stderr, "WARNING: using deterministic dev TLS certificates")
		qt, err := network.NewDevQUICTransport(cfg.MaxConnsPerHost)
		if err != nil {
			fmt.Fprintf(stderr, "quic: %v\n", err)
			return 1
		}
		transport = qt
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if _, err := pprofutil.Start(ctx, pprofutil.FromEnv()); err != nil {
		fmt.Fprintf(stderr, "pprof: %v\n", err)
		return 1
	}
	m := metrics.New()
	if cfg.MetricsAddr != "" {
		srv := metrics.NewServer(cfg.MetricsAddr, m)
		if err := srv.Start(); err != nil {
			fmt.Fprintf(stderr, "metrics: %v\n", err)
			return 1
		}
		defer srv.Stop()
		fmt.Fprintf(stderr, "metrics on http://%s/metrics\n", srv.Addr())
	}

	mgr, err := comm.NewManager(comm.Options{Config: cfg, View: v, Transport: transport, Signer: signer, Metrics: m})
	if err != nil {
		fmt.Fprintf(stderr, "comm: %v\n", err)
		return 1
	}
	if err := mgr.Start(ctx); err != nil {
		fmt.Fprintf(stderr, "start: %v\n", err)
		return 1
	}
	defer mgr.Shutdown()

	relay := tree.NewRelay(tree.Options{
		View:      v,
		Signer:    signer,
		Sender:    mgr,
		Mode:      cfg.TreeMode,
		Branching: cfg.TreeBranching,
		DedupCap:  cfg.DedupCap,
		DedupTTL:  cfg.DedupTTL,
		Metrics:   m,
	})
	auth := handler.NewAuthenticator(self, mgr, v, mgr.MAC())
	disp := handler.NewDispatcher(self, auth, mgr.TransportSecure(), cfg.BFT, m)
	sink := newLogSink(self)
	disp.Wire(handler.Collaborators{
		Acceptor:      sink,
		Synchronizer:  sink,
		RequestsTimer: sink,
		StateManager:  sink,
		Requests:      sink,
		Tree:          relay,
	})

	fmt.Fprintf(stdout, "READY replica=%d addr=%s secure=%v\n", self, mgr.Addr(), transport.Secure())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		disp.Run(gctx, mgr.Inbound())
		return nil
	})
	if *treeMode != "" && v.IsCurrentViewMember(self) {
		g.Go(func() error {
			return startTree(gctx, relay, cfg.TreeMode)
		})
	}
	if *broadcast > 0 && v.IsCurrentViewMember(self) {
		g.Go(func() error {
			return runBroadcast(gctx, self, v, mgr, relay, *treeMode != "", *broadcast)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		mgr.Shutdown()
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(mgr.Stats())
	code := 0
	if err := m.WriteSnapshot(*snapshot); err != nil {
		fmt.Fprintf(stderr, "snapshot: %v\n", err)
		code = 1
	}
	debuglog.Sync()
	return code
}

// startTree gives peers a moment to connect, then builds the local tree.
func startTree(ctx context.Context, relay *tree.Relay, mode string) error {
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(time.Second):
	}
	if mode == config.TreeModeDynamic {
		relay.InitProtocol()
	} else {
		relay.CreateStaticTree()
	}
	return nil
}

// runBroadcast sends n demo messages, alternating PROPOSE, WRITE and ACCEPT.
// Direct ACCEPTs carry a MAC vector; tree traffic carries a signature.
func runBroadcast(ctx context.Context, self proto.ReplicaID, v *view.Controller, mgr *comm.Manager, relay *tree.Relay, viaTree bool, n int) error {
	phases := []proto.ConsensusType{proto.ConsensusPropose, proto.ConsensusWrite, proto.ConsensusAccept}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		cm := proto.NewConsensusMessage(phases[i%len(phases)], int64(i), 0, self, []byte(fmt.Sprintf("value-%d-%d", self, i)))
		if viaTree {
			if err := relay.Broadcast(cm); err != nil {
				return err
			}
			continue
		}
		targets := v.CurrentViewAcceptors()
		if cm.Phase == proto.ConsensusAccept {
			cm.Proof = handler.BuildMACVector(cm, targets, mgr, mgr.MAC())
		}
		mgr.Send(targets, cm, cm.Phase != proto.ConsensusAccept)
	}
	return nil
}
