package main

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/blacksky-algorithms/rsky-sub001/internal/common"
	"github.com/blacksky-algorithms/rsky-sub001/internal/ingester"
	"github.com/blacksky-algorithms/rsky-sub001/internal/ingester/configuration"
)

const (
	CustomConfigLocation string = "config"
)

func init() {
	pflag.StringSlice(CustomConfigLocation, []string{}, "Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")
	pflag.Parse()
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	var config configuration.IngesterConfiguration
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)

	common.LoadConfig(&config, "./config/ingester", userSpecifiedConfigs)
	if err := config.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if err := ingester.Run(&config); err != nil {
		log.Fatalf("Ingester failed: %v", err)
	}
}
