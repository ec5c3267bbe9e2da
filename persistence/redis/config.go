package redis

type Config struct {
	Addrs     []string `mapstructure:"addrs"`
	Namespace string   `mapstructure:"namespace"`
	PoolSize  int      `mapstructure:"pool_size"`
	Password  string   `mapstructure:"password"`
	DB        int      `mapstructure:"db"`
}
