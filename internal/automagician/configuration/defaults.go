package configuration

import (
	"time"

	"github.com/spf13/viper"
)

// SetDefaults registers the built-in values so that a run works without any config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("cluster", "unknown")
	v.SetDefault("remoteDir", "/automagician_jobs")
	v.SetDefault("database.type", string(SQLite))
	v.SetDefault("database.redis.keyPrefix", "automagician")
	v.SetDefault("lock.dir", "/tmp/automagician")
	v.SetDefault("ssh.port", 22)
	v.SetDefault("ssh.keyPath", "~/.ssh/automagician_id_rsa")
	v.SetDefault("ssh.knownHostsPath", "~/.ssh/known_hosts")
	v.SetDefault("ssh.timeout", 10*time.Second)
	v.SetDefault("ssh.probeRetries", 3)
	v.SetDefault("templates.paired", "/home/kg33564/automagician-permanent/subfile-archive")
	v.SetDefault("templates.quota", "/work2/08734/karan/automagician-slurm-templates")
	v.SetDefault("quota", map[string]int{"stampede2": 50, "frontera": 0, "ls6": 200})
	v.SetDefault("tools.energyTrace", "vef.pl")
	v.SetDefault("tools.archive", "vfin.pl")
	v.SetDefault("tools.sortPos", "/home/wc5879/kingRaychardsArsenal/sortpos.py")
	v.SetDefault("tools.softPbe", "/home/wc5879/kingRaychardsArsenal/sogetsoftpbe.py")
	v.SetDefault("completionIdle", 120*time.Second)
	v.SetDefault("squeue.retries", 3)
	v.SetDefault("squeue.retryDelay", 2*time.Second)
	v.SetDefault("run.limit", 99999)
}
