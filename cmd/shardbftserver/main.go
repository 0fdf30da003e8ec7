package main

import (
	"fmt"
	"log"
	"net"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"strconv"
	"syscall"
	"time"

	"github.com/felixge/fgprof"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/joe-zxh/shardbft/comm"
	"github.com/joe-zxh/shardbft/config"
	"github.com/joe-zxh/shardbft/consensus"
	"github.com/joe-zxh/shardbft/data"
	"github.com/joe-zxh/shardbft/topology"
)

type options struct {
	Privkey          string
	SelfID           config.ReplicaID `mapstructure:"self-id"`
	ShardCount       int              `mapstructure:"shard-count"`
	BatchSize        int              `mapstructure:"batch-size"`
	BatchTimeout     int              `mapstructure:"batch-timeout"` // milliseconds
	LongConns        bool             `mapstructure:"long-conns"`
	NeedQC           bool             `mapstructure:"need-qc"`
	CountSelfLocally bool             `mapstructure:"count-self-locally"`
	PeerAddr         string           `mapstructure:"peer-listen"`
	Replicas         []struct {
		ID       config.ReplicaID
		PeerAddr string `mapstructure:"peer-address"`
		Pubkey   string
	}
}

func usage() {
	fmt.Printf("Usage: %s [options]\n", os.Args[0])
	fmt.Println()
	fmt.Println("Loads configuration from ./shardbft.toml and file specified by --config")
	fmt.Println()
	fmt.Println("Options:")
	pflag.PrintDefaults()
}

func splitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

func main() {
	pflag.Usage = usage

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	help := pflag.BoolP("help", "h", false, "Prints this text.")
	configFile := pflag.String("config", "", "The path to the config file")
	cpuprofile := pflag.String("cpuprofile", "", "File to write CPU profile to")
	memprofile := pflag.String("memprofile", "", "File to write memory profile to")
	fullprofile := pflag.String("fullprofile", "", "File to write fgprof profile to")
	traceFile := pflag.String("trace", "", "File to write execution trace to")
	pflag.Uint32("self-id", 0, "The id for this replica.")
	pflag.Int("shard-count", 1, "How many shards the replica set is split into")
	pflag.Int("batch-size", 100, "How many messages are packed into one wire envelope")
	pflag.Int("batch-timeout", 10, "How many milliseconds before a partial batch is flushed")
	pflag.Bool("long-conns", true, "Keep one sending queue per destination")
	pflag.Bool("need-qc", false, "Attach a signed commit certificate on prepare quorum")
	pflag.Bool("count-self-locally", true, "A coordinator counts its own vote in its shard's quorum")
	pflag.String("privkey", "", "The path to the private key file")
	pflag.String("peer-listen", "", "Override the listen address for the replica (peer) server")
	clusterSize := pflag.Int("cluster-size", 4, "specify the size of the cluster")
	pflag.Parse()

	if *help {
		pflag.Usage()
		os.Exit(0)
	}

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal("Could not create CPU profile: ", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal("Could not start CPU profile: ", err)
		}
		defer pprof.StopCPUProfile()
	}

	if *fullprofile != "" {
		f, err := os.Create(*fullprofile)
		if err != nil {
			log.Fatal("Could not create fgprof profile: ", err)
		}
		defer f.Close()
		stop := fgprof.Start(f, fgprof.FormatPprof)
		defer func() {
			if err := stop(); err != nil {
				log.Fatal("Could not write fgprof profile: ", err)
			}
		}()
	}

	if *traceFile != "" {
		f, err := os.Create(*traceFile)
		if err != nil {
			log.Fatal("Could not create trace file: ", err)
		}
		defer f.Close()
		if err := trace.Start(f); err != nil {
			log.Fatal("Failed to start trace: ", err)
		}
		defer trace.Stop()
	}

	viper.BindPFlags(pflag.CommandLine)

	viper.SetConfigName("shardbft")
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read config: %v\n", err)
		os.Exit(1)
	}

	if *configFile != "" {
		viper.SetConfigFile(*configFile)
		if err := viper.MergeInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read secondary config file: %v\n", err)
			os.Exit(1)
		}
	}

	var conf options
	if err := viper.Unmarshal(&conf); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to unmarshal config: %v\n", err)
		os.Exit(1)
	}

	log.Printf("replica %d starts", conf.SelfID)

	privkey, err := data.ReadPrivateKeyFile(conf.Privkey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read private key file: %v\n", err)
		os.Exit(1)
	}

	if *clusterSize > len(conf.Replicas) {
		panic("cluster size too large, you do not have enough replica configuration in the toml file")
	}
	conf.Replicas = conf.Replicas[:*clusterSize]

	replicaConfig := config.NewConfig(conf.SelfID, privkey)
	replicaConfig.ShardCount = conf.ShardCount
	replicaConfig.BatchSize = conf.BatchSize
	replicaConfig.BatchTimeout = time.Duration(conf.BatchTimeout) * time.Millisecond
	replicaConfig.UseLongConns = conf.LongConns
	replicaConfig.NeedCommitQC = conf.NeedQC
	replicaConfig.CountSelfLocally = conf.CountSelfLocally

	var selfAddr string

	top := topology.New()
	top.SetShardCount(conf.ShardCount)
	// Replicas join in file order, so every replica derives the same
	// shard assignment and the same coordinators.
	for _, r := range conf.Replicas {
		key, err := data.ReadPublicKeyFile(r.Pubkey)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read public key file '%s': %v\n", r.Pubkey, err)
			os.Exit(1)
		}

		peerAddr := r.PeerAddr
		if r.ID == conf.SelfID && conf.PeerAddr != "" {
			peerAddr = conf.PeerAddr
		}
		host, port, err := splitAddr(peerAddr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Bad peer address '%s': %v\n", peerAddr, err)
			os.Exit(1)
		}

		info := &config.ReplicaInfo{ID: r.ID, Address: host, Port: port, PubKey: key}
		replicaConfig.Replicas[r.ID] = info
		if err := top.AdmitReplica(info); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to admit replica %d: %v\n", r.ID, err)
			os.Exit(1)
		}
		if r.ID == conf.SelfID {
			selfAddr = peerAddr
		}
	}

	if selfAddr == "" {
		fmt.Fprintf(os.Stderr, "Replica %d is not in the replica list\n", conf.SelfID)
		os.Exit(1)
	}

	transport := comm.NewTCPTransport(time.Second)
	router := comm.NewRouter(replicaConfig, top, transport)
	coord, err := consensus.New(replicaConfig, top, router, data.NewECDSAAuth(replicaConfig), consensus.NewMemoryExecutor())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build coordinator: %v\n", err)
		os.Exit(1)
	}

	srv, err := comm.NewServer(selfAddr, func(m *data.Message) {
		coord.Dispatch(m)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to listen on %s: %v\n", selfAddr, err)
		os.Exit(1)
	}
	srv.Serve()

	<-signals
	log.Println("Exiting...")
	srv.Stop()
	coord.Close()
	router.Close()
	transport.Close()

	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			log.Fatal("could not create memory profile: ", err)
		}
		defer f.Close()
		runtime.GC()
		if err := pprof.WriteHeapProfile(f); err != nil {
			log.Fatal("could not write memory profile: ", err)
		}
	}
}
