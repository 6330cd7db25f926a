package config

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// LoadConfig reads the default config file from defaultPath and merges each of userSpecified over it in order.
// Environment variables prefixed with envPrefix override both, e.g. INGESTCOORD_INFLIGHTBYTES. The result is
// decoded into config with CustomHooks and then validated.
func LoadConfig(config interface{}, defaultPath string, userSpecified []string, envPrefix string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(defaultPath)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.WithMessagef(err, "error reading default config from %s", defaultPath)
		}
		log.Debugf("No default config found in %s", defaultPath)
	}

	for _, path := range userSpecified {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, errors.WithMessagef(err, "error reading config from %s", path)
		}
		log.Infof("Read config from %s", v.ConfigFileUsed())
	}

	if envPrefix != "" {
		v.SetEnvPrefix(envPrefix)
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()
	}

	if err := v.Unmarshal(config, CustomHooks...); err != nil {
		return nil, errors.WithMessage(err, "error unmarshalling config")
	}
	if err := validator.New().Struct(config); err != nil {
		LogValidationErrors(err)
		return nil, errors.WithMessage(err, "invalid config")
	}
	return v, nil
}
