package main

import (
	"fmt"
	"os"
	"strings"
)

func main() {
	cmd := "serve"
	if len(os.Args) >= 2 && !strings.HasPrefix(os.Args[1], "-") {
		cmd = os.Args[1]
	}

	var err error
	switch cmd {
	case "help", "--help", "-h":
		showUsage()
		return
	case "serve":
		err = runServe()
	case "encrypt":
		err = runEncrypt(os.Args[2:])
	case "validate":
		err = runValidate()
	case "doctor":
		err = runDoctor()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'relay --help' for usage information.\n", cmd)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`relay - streaming LLM conversation server with tool use and provider fallback

USAGE:
    relay [COMMAND] [FLAGS]

COMMANDS:
    serve       Run the HTTP/WebSocket server (default)
    validate    Load and validate the config, then exit
    encrypt     Encrypt a secret for the config file (reads stdin when no value is given)
    doctor      Run health checks on the config and its dependencies

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./config.yaml)

CONFIGURATION:
    Environment: CHATRELAY_* variables override config values
    Secrets:     values written as enc:... are decrypted with CHATRELAY_CONFIG_KEY

EXAMPLES:
    relay --config /etc/chatrelay/config.yaml
    CHATRELAY_CONFIG_KEY=... relay encrypt gsk-...
    relay doctor`)
}

// configPath resolves --config, then CHATRELAY_CONFIG, then ./config.yaml.
func configPath() string {
	return configPathFrom(os.Args, os.Getenv("CHATRELAY_CONFIG"))
}

func configPathFrom(args []string, env string) string {
	for i, arg := range args {
		if arg == "--config" && i+1 < len(args) {
			return args[i+1]
		}
		if v, ok := strings.CutPrefix(arg, "--config="); ok {
			return v
		}
	}
	if env != "" {
		return env
	}
	return "config.yaml"
}
