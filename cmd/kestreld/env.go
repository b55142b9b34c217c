package main

import (
	"os"
	"strconv"
	"time"
)

const envPrefix = "KESTREL_"

func env(name, fallback string) string {
	if v, ok := os.LookupEnv(envPrefix + name); ok {
		return v
	}
	return fallback
}

func envInt(name string, fallback int) int {
	if n, err := strconv.Atoi(env(name, "")); err == nil {
		return n
	}
	return fallback
}

func envBool(name string, fallback bool) bool {
	if b, err := strconv.ParseBool(env(name, "")); err == nil {
		return b
	}
	return fallback
}

func envDuration(name string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(env(name, "")); err == nil {
		return d
	}
	return fallback
}
