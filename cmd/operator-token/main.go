package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/flowforge/sagaflow/pkg/auth"
	"github.com/flowforge/sagaflow/pkg/config"
)

func main() {
	operator := flag.String("operator", "", "operator name recorded in the token")
	scopes := flag.String("scopes", strings.Join(auth.AllScopes, ","), "comma separated scopes")
	flag.Parse()

	if *operator == "" {
		fmt.Fprintln(os.Stderr, "-operator is required")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	token, err := auth.NewTokenManager([]byte(cfg.Server.SigningKey), cfg.Server.TokenTTL).
		Issue(*operator, strings.Split(*scopes, ","))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(token)
}
