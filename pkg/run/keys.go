package run

// RequiredEventKeys must be present on every event, sorted so that missing
// key reports come out in a stable order.
var RequiredEventKeys = []string{
	KeyCode,
	KeyComment,
	KeyEventType,
	KeyPhysTimestamp,
	KeyPortalRunID,
	KeySeqNum,
	KeyWalltime,
}

// RunKeys is the allow-list of event keys that are copied onto the run
// document. Start and end events overlay all of them; other events only
// overlay walltime and vizurl.
var RunKeys = []string{
	"user",
	"host",
	KeyState,
	"rcomment",
	"tokamak",
	"shotno",
	KeySimName,
	"startat",
	KeyStopAt,
	"sim_runid",
	"outputprefix",
	"tag",
	"ips_version",
	KeyPortalRunID,
	"ok",
	KeyWalltime,
	KeyParentPortalRunID,
	KeyEnsembleID,
	KeyVizURL,
}

// SortableProps are the run properties the run table may sort and search on.
// Column indexes sent by DataTables refer to positions in this slice.
var SortableProps = []string{
	"runid",
	KeyState,
	"rcomment",
	KeySimName,
	"host",
	KeyUser,
	"startat",
	KeyStopAt,
	KeyWalltime,
}

// SearchableProps are the string-valued sortable props.
var SearchableProps = SortableProps[1:]

var runKeySet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(RunKeys))
	for _, k := range RunKeys {
		m[k] = struct{}{}
	}

	return m
}()

// IsRunKey reports whether key is in the run-level allow-list.
func IsRunKey(key string) bool {
	_, ok := runKeySet[key]

	return ok
}
