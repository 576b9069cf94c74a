package domain

import (
	"regexp"
	"strconv"
	"strings"
)

// Cluster identifies one of the fixed set of compute clusters. The integer values are persisted.
type Cluster int

const (
	ClusterUnknown   Cluster = -1
	ClusterFri       Cluster = 0
	ClusterHalifax   Cluster = 1
	ClusterStampede2 Cluster = 2
	ClusterFrontera  Cluster = 3
	ClusterLs6       Cluster = 4
)

// ClusterGroup partitions the clusters by how load is balanced between them.
type ClusterGroup int

const (
	GroupNone ClusterGroup = iota
	// GroupPaired clusters balance against each other by comparing live queue depths.
	GroupPaired
	// GroupQuota clusters each carry an independent submission ceiling.
	GroupQuota
)

type clusterInfo struct {
	name     string
	hostname string
	script   string
	group    ClusterGroup
}

var clusters = map[Cluster]clusterInfo{
	ClusterFri:       {name: "FRI", hostname: "fri.cm.utexas.edu", script: "fri.sub", group: GroupPaired},
	ClusterHalifax:   {name: "HALIFAX", hostname: "halifax.cm.utexas.edu", script: "halifax.sub", group: GroupPaired},
	ClusterStampede2: {name: "STAMPEDE2", hostname: "stampede2.tacc.utexas.edu", script: "knl.mpi.slurm", group: GroupQuota},
	ClusterFrontera:  {name: "FRONTERA", hostname: "frontera.tacc.utexas.edu", script: "clx.mpi.slurm", group: GroupQuota},
	ClusterLs6:       {name: "LS6", hostname: "ls6.tacc.utexas.edu", script: "milan.mpi.slurm", group: GroupQuota},
}

var unknownCluster = clusterInfo{name: "UNKNOWN", hostname: "localhost", script: "INVALID", group: GroupNone}

// QuotaClusters lists the quota group in the order used for apportionment.
var QuotaClusters = []Cluster{ClusterStampede2, ClusterFrontera, ClusterLs6}

var loginNodePrefix = regexp.MustCompile(`login[0-3]\.`)

func (c Cluster) info() clusterInfo {
	if info, ok := clusters[c]; ok {
		return info
	}
	return unknownCluster
}

func (c Cluster) String() string { return c.info().name }

// Hostname is the canonical login hostname, "localhost" for unknown clusters.
func (c Cluster) Hostname() string { return c.info().hostname }

// SubmissionScript is the name of the batch script a job directory must carry on this cluster.
func (c Cluster) SubmissionScript() string { return c.info().script }

func (c Cluster) Group() ClusterGroup { return c.info().group }

func (c Cluster) Known() bool {
	_, ok := clusters[c]
	return ok
}

// Peer returns the other member of the paired group.
func (c Cluster) Peer() (Cluster, bool) {
	switch c {
	case ClusterFri:
		return ClusterHalifax, true
	case ClusterHalifax:
		return ClusterFri, true
	default:
		return ClusterUnknown, false
	}
}

func (c Cluster) MarshalText() ([]byte, error) {
	return []byte(strings.ToLower(c.String())), nil
}

func (c *Cluster) UnmarshalText(text []byte) error {
	parsed, err := ParseCluster(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseCluster accepts a cluster name (any case), its hostname, or its persisted integer value.
func ParseCluster(s string) (Cluster, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, unknownCluster.name) {
		return ClusterUnknown, nil
	}
	for c, info := range clusters {
		if strings.EqualFold(s, info.name) || strings.EqualFold(s, info.hostname) {
			return c, nil
		}
	}
	if i, err := strconv.Atoi(s); err == nil {
		if c := Cluster(i); c.Known() || c == ClusterUnknown {
			return c, nil
		}
	}
	return ClusterUnknown, &ErrUnknownCluster{Value: s}
}

// ClusterFromHostname maps a host name, possibly of a numbered login node, onto a cluster.
func ClusterFromHostname(hostname string) Cluster {
	name := loginNodePrefix.ReplaceAllString(strings.TrimSpace(hostname), "")
	for c, info := range clusters {
		if info.hostname == name {
			return c
		}
	}
	return ClusterUnknown
}
