// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/walletscan/chain"
	"github.com/btcsuite/walletscan/internal/cfgutil"
	"github.com/btcsuite/walletscan/keys"
	"github.com/btcsuite/walletscan/netparams"
	"github.com/btcsuite/walletscan/wallet"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "walletscan.conf"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "walletscan.log"
	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10
	defaultNym            = "default"

	scanDbName     = "walletscan.db"
	neutrinoDbName = "neutrino.db"
)

var (
	btcdDefaultCAFile = filepath.Join(btcutil.AppDataDir("btcd", false), "rpc.cert")
	defaultAppDataDir = btcutil.AppDataDir("walletscan", false)
	defaultConfigFile = filepath.Join(defaultAppDataDir, defaultConfigFilename)
	defaultLogDir     = filepath.Join(defaultAppDataDir, defaultLogDirname)
)

type config struct {
	// General application behavior
	ConfigFile     *cfgutil.ExplicitPath `short:"C" long:"configfile" description:"Path to configuration file"`
	ShowVersion    bool                  `short:"V" long:"version" description:"Display version information and exit"`
	AppDataDir     *cfgutil.ExplicitPath `short:"A" long:"appdata" description:"Application data directory for config, databases and logs"`
	TestNet3       bool                  `long:"testnet" description:"Use the test Bitcoin network (version 3) (default mainnet)"`
	SimNet         bool                  `long:"simnet" description:"Use the simulation test network (default mainnet)"`
	RegTest        bool                  `long:"regtest" description:"Use the regression test network (default mainnet)"`
	SigNet         bool                  `long:"signet" description:"Use the default signet (default mainnet)"`
	DebugLevel     string                `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`
	LogDir         string                `long:"logdir" description:"Directory to log output."`
	MaxLogFiles    int                   `long:"maxlogfiles" description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int                   `long:"maxlogfilesize" description:"Maximum logfile size in MB"`
	MetricsListen  string                `long:"metricslisten" description:"Serve prometheus metrics on this interface/port (disabled by default)"`

	// Accounts
	XPubs     []string `long:"xpub" description:"Scan the external and internal branches of this extended public account key; may be repeated"`
	Nym       string   `long:"nym" description:"Owner the accounts are grouped under"`
	Lookahead uint32   `long:"lookahead" description:"Number of unused keys derived past the last key found on chain"`

	// Scan options
	BatchSize       int32         `long:"batchsize" description:"Most blocks whose filters are tested per scan step"`
	RescanWindow    int32         `long:"rescanwindow" description:"Blocks rescanned below a block holding wallet activity"`
	PollInterval    time.Duration `long:"pollinterval" description:"How often to check for new blocks and filters.  Valid time units are {s, m, h}"`
	FilterCacheSize uint64        `long:"filtercachesize" description:"Number of block filters kept in memory"`

	// RPC client options
	RPCConnect       string                `short:"c" long:"rpcconnect" description:"Hostname/IP and port of btcd RPC server to connect to (default localhost:8334, testnet: localhost:18334, simnet: localhost:18556)"`
	CAFile           *cfgutil.ExplicitPath `long:"cafile" description:"File containing root certificates to authenticate a TLS connections with btcd"`
	DisableClientTLS bool                  `long:"noclienttls" description:"Disable TLS for the RPC client -- NOTE: This is only allowed if the RPC client is connecting to localhost"`
	BtcdUsername     string                `long:"btcdusername" description:"Username for btcd authentication"`
	BtcdPassword     string                `long:"btcdpassword" default-mask:"-" description:"Password for btcd authentication"`

	// SPV client options
	UseSPV       bool     `long:"usespv" description:"Use SPV (neutrino) rather than btcd RPC for chain data"`
	AddPeers     []string `short:"a" long:"addpeer" description:"Add a peer to connect with at startup"`
	ConnectPeers []string `long:"connect" description:"Connect only to the specified peers at startup"`
}

// activeNet is the network selected by the configuration.
var activeNet = &netparams.MainNetParams

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace", "debug", "info", "warn", "error", "critical":
		return true
	}
	return false
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}

	// Sort the subsytems for stable display.
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		if !validLogLevel(debugLevel) {
			str := "The specified debug level [%v] is invalid"
			return fmt.Errorf(str, debugLevel)
		}

		setLogLevels(debugLevel)
		return nil
	}

	// Split the specified string into subsystem/level pairs while detecting
	// issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			str := "The specified debug level contains an invalid " +
				"subsystem/level pair [%v]"
			return fmt.Errorf(str, logLevelPair)
		}

		fields := strings.Split(logLevelPair, "=")
		subsysID, logLevel := fields[0], fields[1]

		if _, exists := subsystemLoggers[subsysID]; !exists {
			str := "The specified subsystem [%v] is invalid -- " +
				"supported subsytems %v"
			return fmt.Errorf(str, subsysID, supportedSubsystems())
		}

		if !validLogLevel(logLevel) {
			str := "The specified debug level [%v] is invalid"
			return fmt.Errorf(str, logLevel)
		}

		setLogLevel(subsysID, logLevel)
	}

	return nil
}

// loadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in walletscan functioning properly without any config
// settings while still allowing the user to override settings with config
// files and command line options.  Command line options always take
// precedence.
func loadConfig() (*config, []string, error) {
	// Default config.
	cfg := config{
		DebugLevel:      defaultLogLevel,
		ConfigFile:      cfgutil.NewExplicitPath(defaultConfigFile),
		AppDataDir:      cfgutil.NewExplicitPath(defaultAppDataDir),
		LogDir:          defaultLogDir,
		MaxLogFiles:     defaultMaxLogFiles,
		MaxLogFileSize:  defaultMaxLogFileSize,
		Nym:             defaultNym,
		Lookahead:       keys.DefaultLookahead,
		BatchSize:       wallet.DefaultBatchSize,
		RescanWindow:    wallet.DefaultRescanWindow,
		PollInterval:    wallet.DefaultPollInterval,
		FilterCacheSize: chain.DefaultFilterCacheSize,
		CAFile:          cfgutil.NewExplicitPath(""),
		AddPeers:        []string{},
		ConnectPeers:    []string{},
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.Default)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			preParser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// Show the version and exit if the version flag was specified.
	funcName := "loadConfig"
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", version())
		os.Exit(0)
	}

	// Load additional config from file.
	var configFileError error
	parser := flags.NewParser(&cfg, flags.Default)
	configFilePath := preCfg.ConfigFile.Value
	if !preCfg.ConfigFile.ExplicitlySet() && preCfg.AppDataDir.ExplicitlySet() {
		configFilePath = filepath.Join(preCfg.AppDataDir.Value,
			defaultConfigFilename)
	}
	err = flags.NewIniParser(parser).ParseFile(configFilePath)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			fmt.Fprintln(os.Stderr, err)
			parser.WriteHelp(os.Stderr)
			return nil, nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// Choose the active network params based on the selected network.
	// Multiple networks can't be selected simultaneously.
	numNets := 0
	if cfg.TestNet3 {
		activeNet = &netparams.TestNet3Params
		numNets++
	}
	if cfg.SimNet {
		activeNet = &netparams.SimNetParams
		numNets++
	}
	if cfg.RegTest {
		activeNet = &netparams.RegressionNetParams
		numNets++
	}
	if cfg.SigNet {
		activeNet = &netparams.SigNetParams
		numNets++
	}
	if numNets > 1 {
		str := "%s: The testnet, simnet, regtest and signet params " +
			"can't be used together -- choose one"
		err := fmt.Errorf(str, funcName)
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	// Append the network type to the log directory so it is "namespaced"
	// per network.
	cfg.LogDir = cfgutil.CleanAndExpandPath(cfg.LogDir)
	cfg.LogDir = filepath.Join(cfg.LogDir, activeNet.Params.Name)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Initialize log rotation.  After log rotation has been initialized,
	// the logger variables may be used.
	initLogRotator(
		filepath.Join(cfg.LogDir, defaultLogFilename),
		int64(cfg.MaxLogFileSize*1024), cfg.MaxLogFiles,
	)

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("%s: %v", funcName, err.Error())
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	if len(cfg.XPubs) == 0 {
		err := fmt.Errorf("%s: at least one --xpub is required",
			funcName)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}
	if cfg.Lookahead == 0 {
		err := fmt.Errorf("%s: lookahead must be positive", funcName)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	if cfg.UseSPV {
		cfg.AddPeers, err = cfgutil.PeerAddresses(cfg.AddPeers, activeNet)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: invalid --addpeer: %v\n",
				funcName, err)
			return nil, nil, err
		}
		cfg.ConnectPeers, err = cfgutil.PeerAddresses(
			cfg.ConnectPeers, activeNet,
		)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: invalid --connect: %v\n",
				funcName, err)
			return nil, nil, err
		}
	} else {
		cfg.RPCConnect, err = cfgutil.RPCAddress(
			cfg.RPCConnect, activeNet,
		)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid rpcconnect network "+
				"address: %v\n", err)
			return nil, nil, err
		}

		// Use the btcd certificate unless another one is given.
		if !cfg.CAFile.ExplicitlySet() && !cfg.DisableClientTLS {
			cfg.CAFile.Value = btcdDefaultCAFile
		}
	}

	// Warn about missing config file after the final command line parse
	// succeeds.  This prevents the warning on help messages and invalid
	// options.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	return &cfg, remainingArgs, nil
}
