package config

import (
	"reflect"

	"github.com/mitchellh/go-homedir"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// ExpandedPath is a filesystem path in which a leading ~ is replaced by the user's home directory on decode.
type ExpandedPath string

var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
		ExpandedPathHookFunc(),
	)),
}

func ExpandedPathHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(ExpandedPath("")) {
			return data, nil
		}
		expanded, err := homedir.Expand(data.(string))
		if err != nil {
			return nil, err
		}
		return ExpandedPath(expanded), nil
	}
}
