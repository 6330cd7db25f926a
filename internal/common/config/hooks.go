package config

import (
	"fmt"
	"reflect"

	"github.com/docker/go-units"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// ByteSize is a number of bytes. In configuration files it may be given either as a plain integer or as a
// human-readable binary size such as "64Mi" or "2GiB".
type ByteSize int64

func (b ByteSize) String() string {
	return units.BytesSize(float64(b))
}

var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		ByteSizeDecodeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)),
}

func ByteSizeDecodeHook() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if t != reflect.TypeOf(ByteSize(0)) || f.Kind() != reflect.String {
			return data, nil
		}
		size, err := units.RAMInBytes(fmt.Sprintf("%v", data))
		if err != nil {
			return nil, errors.WithMessagef(err, "invalid byte size %q", data)
		}
		return ByteSize(size), nil
	}
}
