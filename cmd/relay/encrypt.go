package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"chatrelay/internal/infra/config"
)

// runEncrypt prints the enc: form of a secret for pasting into the config.
func runEncrypt(args []string) error {
	passphrase := os.Getenv(config.KeyEnv)
	if passphrase == "" {
		return fmt.Errorf("%s must be set", config.KeyEnv)
	}

	value, err := secretArg(args, os.Stdin)
	if err != nil {
		return err
	}
	enc, err := config.EncryptValue(value, passphrase)
	if err != nil {
		return err
	}
	fmt.Println("enc:" + enc)
	return nil
}

// secretArg takes the first non-flag argument, or the first line of in.
func secretArg(args []string, in io.Reader) (string, error) {
	for i := 0; i < len(args); i++ {
		if args[i] == "--config" {
			i++
			continue
		}
		if !strings.HasPrefix(args[i], "-") {
			return args[i], nil
		}
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read secret: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", fmt.Errorf("no value to encrypt")
	}
	return line, nil
}

func runValidate() error {
	path := configPath()
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	fmt.Printf("%s: ok (%d providers, %d MCP servers)\n", path, len(cfg.Providers), len(cfg.Tools.MCP))
	return nil
}
