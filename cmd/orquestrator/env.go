package main

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fcanata00/orquestrator/internal/env"
)

func printenv(ctx context.Context, args []string) error {
	cfg, err := env.LoadConfig(env.Root)
	if err != nil {
		return err
	}
	fmt.Printf("ORQROOT=%s\n", env.Root)
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	os.Stdout.Write(b)
	return nil
}
