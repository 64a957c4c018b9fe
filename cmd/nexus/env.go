package main

import (
	"os"
	"strconv"
	"strings"
	"time"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// envAs parses k with parse; unset or unparseable values give def.
func envAs[T any](k string, def T, parse func(string) (T, error)) T {
	raw := strings.TrimSpace(os.Getenv(k))
	if raw == "" {
		return def
	}
	v, err := parse(raw)
	if err != nil {
		return def
	}
	return v
}

func envInt(k string, def int) int { return envAs(k, def, strconv.Atoi) }

func envBool(k string, def bool) bool { return envAs(k, def, strconv.ParseBool) }

func envFloat(k string, def float64) float64 {
	return envAs(k, def, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

func envDurationSec(k string, def int) time.Duration {
	return time.Duration(envInt(k, def)) * time.Second
}

// wsOriginPatterns splits a comma separated origin list, dropping blanks.
func wsOriginPatterns(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
