package config

// Overlay carries command-line overrides. Nil pointers and empty slices mean
// "not set" and leave the base value untouched.
type Overlay struct {
	Port           *int
	TargetRoute    *string
	StaticDir      *string
	ProxyOrder     []string
	LogLevel       *string
	LogDevelopment *bool
}

// Merge returns a copy of c with the overlay applied. A non-empty slice in
// the overlay replaces the base slice wholesale; slices are never
// concatenated. The result is validated before it is returned.
func (c Config) Merge(o Overlay) (Config, error) {
	out := c
	if o.Port != nil {
		out.Server.Port = *o.Port
	}
	if o.TargetRoute != nil {
		out.Server.TargetRoute = *o.TargetRoute
	}
	if o.StaticDir != nil {
		out.Static.Dir = *o.StaticDir
	}
	if len(o.ProxyOrder) > 0 {
		out.Proxy.Order = append([]string(nil), o.ProxyOrder...)
	}
	if o.LogLevel != nil {
		out.Logging.Level = *o.LogLevel
	}
	if o.LogDevelopment != nil {
		out.Logging.Development = *o.LogDevelopment
	}
	if err := out.Validate(); err != nil {
		return Config{}, err
	}
	return out, nil
}
