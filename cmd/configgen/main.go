package main

import (
	"flag"
	"log"

	"github.com/danmuck/tensorbridge/internal/config"
)

func main() {
	kind := flag.String("kind", config.KindDaemon, "config kind: daemon|mq|topic")
	output := flag.String("output", "tensorbridge.toml", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to -output)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		path := *input
		if path == "" {
			path = *output
		}
		cfg, err := config.LoadDaemonConfig(path)
		if err != nil {
			log.Fatal(err)
		}
		bridges := 0
		for _, g := range cfg.Groups {
			bridges += len(g.Bridges)
		}
		log.Printf("Validated config at %s: groups=%d bridges=%d", path, len(cfg.Groups), bridges)
		return
	}

	if err := config.WriteTemplate(*output, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, *output)
}
