package domain

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyDir(t *testing.T) {
	tests := map[string]struct {
		dir      string
		expected JobKind
	}{
		"opt":                  {dir: "/work/job1", expected: KindOpt},
		"dos":                  {dir: "/work/job1/dos", expected: KindDos},
		"sc":                   {dir: "/work/job1/sc", expected: KindSc},
		"wav":                  {dir: "/work/job1/wav", expected: KindWav},
		"trailing slash":       {dir: "/work/job1/dos/", expected: KindDos},
		"unnormalized":         {dir: "/work/./job1//wav", expected: KindWav},
		"suffix only in name":  {dir: "/work/job1/mydos", expected: KindOpt},
		"not final segment":    {dir: "/work/dos/job1", expected: KindOpt},
		"home prefix":          {dir: "/home/dos", expected: KindOpt},
		"under home":           {dir: "/home/user/dos", expected: KindDos},
		"relative single name": {dir: "sc", expected: KindOpt},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, ClassifyDir(tc.dir))
		})
	}
}

func TestParentDir(t *testing.T) {
	assert.Equal(t, "/work/job1", ParentDir("/work/job1/dos"))
	assert.Equal(t, "/work/job1", ParentDir("/work/job1/sc"))
	assert.Equal(t, "/work/job1", ParentDir("/work/job1/wav"))
	assert.Equal(t, "/work/job1", ParentDir("/work/job1"))
	assert.Equal(t, "/work/job1/dosx", ParentDir("/work/job1/dosx"))
	assert.Equal(t, "/work/job1", ParentDir("/work/job1/dos/"))
	assert.Equal(t, "/work/job1", ParentDir("/work/job1/"))
	assert.Equal(t, "/home/dos", ParentDir("/home/dos"))
	assert.Equal(t, "/work/job1/dos", DerivedDir("/work/job1", KindDos))
	assert.Equal(t, "/work/job1", DerivedDir("/work/job1", KindOpt))
}

func TestClusterFromHostname(t *testing.T) {
	assert.Equal(t, ClusterFri, ClusterFromHostname("fri.cm.utexas.edu"))
	assert.Equal(t, ClusterLs6, ClusterFromHostname("login2.ls6.tacc.utexas.edu"))
	assert.Equal(t, ClusterStampede2, ClusterFromHostname("login1.stampede2.tacc.utexas.edu"))
	assert.Equal(t, ClusterUnknown, ClusterFromHostname("login7.ls6.tacc.utexas.edu"))
	assert.Equal(t, ClusterUnknown, ClusterFromHostname("laptop"))
}

func TestClusterProperties(t *testing.T) {
	assert.Equal(t, "knl.mpi.slurm", ClusterStampede2.SubmissionScript())
	assert.Equal(t, "INVALID", ClusterUnknown.SubmissionScript())
	assert.Equal(t, "localhost", ClusterUnknown.Hostname())
	assert.Equal(t, GroupPaired, ClusterHalifax.Group())
	assert.Equal(t, GroupQuota, ClusterFrontera.Group())

	peer, ok := ClusterFri.Peer()
	assert.True(t, ok)
	assert.Equal(t, ClusterHalifax, peer)
	_, ok = ClusterLs6.Peer()
	assert.False(t, ok)
}

func TestParseCluster(t *testing.T) {
	for input, expected := range map[string]Cluster{
		"fri":                      ClusterFri,
		"LS6":                      ClusterLs6,
		"frontera.tacc.utexas.edu": ClusterFrontera,
		"1":                        ClusterHalifax,
		"unknown":                  ClusterUnknown,
	} {
		c, err := ParseCluster(input)
		require.NoError(t, err, input)
		assert.Equal(t, expected, c, input)
	}

	_, err := ParseCluster("perlmutter")
	var unknown *ErrUnknownCluster
	assert.True(t, errors.As(err, &unknown))

	var c Cluster
	require.NoError(t, c.UnmarshalText([]byte("halifax")))
	assert.Equal(t, ClusterHalifax, c)
}

func TestParseJobStatus(t *testing.T) {
	s, err := ParseJobStatus("running")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, s)

	s, err = ParseJobStatus("-10")
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, s)

	_, err = ParseJobStatus("7")
	assert.Error(t, err)
	assert.Equal(t, "JobStatus(7)", JobStatus(7).String())
}

func TestJobMaps_MarkSubmitted(t *testing.T) {
	m := NewJobMaps()
	m.Opt["/a"] = NewOptJob(StatusIncomplete, ClusterFri)

	m.MarkSubmitted("/a", ClusterHalifax, false)
	m.MarkSubmitted("/a/sc", ClusterFri, false)
	m.MarkSubmitted("/a/dos", ClusterFri, true)
	m.MarkSubmitted("/a/wav", ClusterHalifax, false)
	m.MarkSubmitted("/b", ClusterFri, false)

	assert.Equal(t, &OptJob{ID: UnknownID, Status: StatusRunning, HomeCluster: ClusterFri, LastOn: ClusterHalifax}, m.Opt["/a"])
	assert.Equal(t, StatusRunning, m.Dos["/a"].ScStatus)
	assert.Equal(t, StatusError, m.Dos["/a"].DosStatus)
	assert.Equal(t, &WavJob{OptID: UnknownID, Status: StatusRunning, LastOn: ClusterHalifax}, m.Wav["/a"])
	assert.Equal(t, StatusRunning, m.Opt["/b"].Status)
	assert.Equal(t, []string{"/a", "/b"}, m.OptDirs())
}

func TestSubmissionQueue_LimitError(t *testing.T) {
	q := NewSubmissionQueue(2, false)

	hit, err := q.Add("/a")
	assert.False(t, hit)
	assert.NoError(t, err)

	hit, err = q.Add("/b")
	assert.True(t, hit)
	var limitErr *ErrSubmissionLimitReached
	require.True(t, errors.As(err, &limitErr))
	assert.Equal(t, 2, limitErr.Limit)
	assert.Equal(t, []string{"/a", "/b"}, q.Dirs())
	assert.True(t, q.AtLimit())
}

func TestSubmissionQueue_ContinuePastLimit(t *testing.T) {
	q := NewSubmissionQueue(2, true)

	_, _ = q.Add("/a")
	hit, err := q.Add("/b")
	assert.True(t, hit)
	assert.NoError(t, err)

	hit, err = q.Add("/c")
	assert.True(t, hit)
	assert.NoError(t, err)
	assert.Equal(t, 2, q.Len())
	assert.False(t, q.Contains("/c"))
	assert.True(t, q.HitLimit())
}
