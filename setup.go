// SPDX-FileCopyrightText: 2022 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/xmidt-org/arrange"
	"github.com/xmidt-org/sallust"
	"go.uber.org/zap"
)

// cliFlags are the command line switches this daemon understands.
type cliFlags struct {
	configFile   string
	debug        bool
	printVersion bool
}

func parseFlags(args []string) (cliFlags, error) {
	var flags cliFlags
	fs := pflag.NewFlagSet(applicationName, pflag.ContinueOnError)
	fs.StringVarP(&flags.configFile, "file", "f", "", "configuration file to use instead of the search path")
	fs.BoolVarP(&flags.debug, "debug", "d", false, "force DEBUG level logging")
	fs.BoolVarP(&flags.printVersion, "version", "v", false, "print build information and exit")
	err := fs.Parse(args)
	return flags, err
}

// loadConfig builds the viper instance backing every component config.
// Values resolve from the config file first, then from IRIS_* environment
// variables. A missing file is only fatal when one was named explicitly;
// otherwise the daemon runs on environment values and defaults.
func loadConfig(flags cliFlags) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(strings.ToUpper(applicationName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags.configFile != "" {
		v.SetConfigFile(flags.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed reading config file: %w", err)
		}
		return v, nil
	}

	v.SetConfigName(applicationName)
	v.AddConfigPath(fmt.Sprintf("/etc/%s", applicationName))
	v.AddConfigPath(fmt.Sprintf("$HOME/.%s", applicationName))
	v.AddConfigPath(".")
	err := v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	if err != nil && !errors.As(err, &notFound) {
		return nil, fmt.Errorf("failed reading config file: %w", err)
	}
	return v, nil
}

func buildLogger(v *viper.Viper, flags cliFlags) (*zap.Logger, error) {
	if flags.debug {
		v.Set("logging.level", "DEBUG")
	}
	var c sallust.Config
	if err := v.UnmarshalKey("logging", &c, arrange.ComposeDecodeHooks(sallust.DecodeHook)); err != nil {
		return nil, err
	}
	return c.Build()
}

// setup turns command line arguments into the viper instance and logger the
// fx app is built from.
func setup(args []string) (*viper.Viper, *zap.Logger, error) {
	flags, err := parseFlags(args)
	if err != nil {
		return nil, zap.NewNop(), err
	}
	if flags.printVersion {
		printVersionInfo(os.Stdout)
		os.Exit(0)
	}

	v, err := loadConfig(flags)
	if err != nil {
		return nil, zap.NewNop(), err
	}

	logger, err := buildLogger(v, flags)
	if err != nil {
		return nil, zap.NewNop(), err
	}
	return v, logger, nil
}

func printVersionInfo(w io.Writer) {
	fmt.Fprintf(w, "%s %s (commit %s, built %s, %s, %s/%s)\n",
		applicationName, Version, GitCommit, BuildTime,
		runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
