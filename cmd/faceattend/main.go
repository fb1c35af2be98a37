package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/MrCodeEU/faceattend/pkg/config"
	"github.com/MrCodeEU/faceattend/pkg/logging"
)

const version = "0.2.0"

// Command represents a CLI command.
type Command struct {
	Name        string
	Description string
	Usage       string
	Run         func(args []string) error
}

var (
	cfg      *config.Config
	commands map[string]*Command
)

// commandOrder is the order commands are listed in usage output.
var commandOrder = []string{
	"register", "signin", "signout", "identify", "preview",
	"list", "export", "download-models", "config", "version", "help",
}

func init() {
	commands = map[string]*Command{
		"register": {
			Name:        "register",
			Description: "Register a new person from the camera",
			Usage:       "faceattend register <full-name> <email> <phone> [administrator|user]",
			Run:         cmdRegister,
		},
		"signin": {
			Name:        "signin",
			Description: "Sign in the person in front of the camera (or by email)",
			Usage:       "faceattend signin [email]",
			Run:         cmdSignIn,
		},
		"signout": {
			Name:        "signout",
			Description: "Sign out the person in front of the camera (or by email)",
			Usage:       "faceattend signout [email]",
			Run:         cmdSignOut,
		},
		"identify": {
			Name:        "identify",
			Description: "Show who is in front of the camera without signing in",
			Usage:       "faceattend identify",
			Run:         cmdIdentify,
		},
		"preview": {
			Name:        "preview",
			Description: "Run the live preview loop and report face detection",
			Usage:       "faceattend preview [seconds] [output.jpg]",
			Run:         cmdPreview,
		},
		"list": {
			Name:        "list",
			Description: "List registered people",
			Usage:       "faceattend list",
			Run:         cmdList,
		},
		"export": {
			Name:        "export",
			Description: "Export the activity log as CSV (administrators only)",
			Usage:       "faceattend export <admin-email> [file.csv]",
			Run:         cmdExport,
		},
		"download-models": {
			Name:        "download-models",
			Description: "Download the dlib face models",
			Usage:       "faceattend download-models [dir]",
			Run:         cmdDownloadModels,
		},
		"config": {
			Name:        "config",
			Description: "Show current configuration",
			Usage:       "faceattend config",
			Run:         cmdConfig,
		},
		"version": {
			Name:        "version",
			Description: "Show version information",
			Usage:       "faceattend version",
			Run:         cmdVersion,
		},
		"help": {
			Name:        "help",
			Description: "Show help information",
			Usage:       "faceattend help [command]",
			Run:         cmdHelp,
		},
	}
}

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	args := flag.Args()

	var err error
	if *configFile != "" {
		cfg, err = config.Load(*configFile)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not load config: %v\n", err)
		cfg = config.DefaultConfig()
	}
	if err := cfg.ApplyEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	cfg.ExpandPaths()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logLevel := cfg.Logging.Level
	if *debug {
		logLevel = "debug"
	}
	if err := logging.Init(logLevel, cfg.Logging.Format, cfg.Logging.File); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
	}

	logging.Debugf("faceattend v%s starting", version)
	logging.Debugf("Config loaded, data dir: %s", cfg.Storage.DataDir)

	if len(args) < 1 {
		printUsage()
		os.Exit(0)
	}

	cmdName := args[0]
	cmd, ok := commands[cmdName]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmdName)
		printUsage()
		os.Exit(1)
	}

	if err := cmd.Run(args[1:]); err != nil {
		logging.WithError(err).Errorf("Command '%s' failed", cmdName)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("faceattend - face recognition attendance")
	fmt.Printf("Version: %s\n\n", version)
	fmt.Println("Usage: faceattend [options] <command> [arguments]")
	fmt.Println("\nOptions:")
	fmt.Println("  -config <file>   Path to configuration file")
	fmt.Println("  -debug           Enable debug logging")
	fmt.Println("\nCommands:")
	for _, name := range commandOrder {
		cmd := commands[name]
		fmt.Printf("  %-16s %s\n", cmd.Name, cmd.Description)
	}
	fmt.Println("\nExamples:")
	fmt.Println("  faceattend register \"Ada Lovelace\" ada@example.com 08011111111 admin")
	fmt.Println("  faceattend signin                  # sign in whoever is at the camera")
	fmt.Println("  faceattend export ada@example.com  # write the activity log")
	fmt.Println("\nRun 'faceattend help <command>' for more information on a command.")
}
