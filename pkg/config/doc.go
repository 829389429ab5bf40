// Package config loads and watches froyosync device configuration.
//
// # Overview
//
// A configuration file is either CUE (.cue) or YAML (.yaml, .yml, .json).
// Both are unified with a built-in CUE schema that rejects unknown fields and
// out-of-range values, then decoded into Config and checked with struct tag
// validation. Errors carry the file, line and field path where available.
//
// # Configuration Structure
//
//	device: {
//	    id:   "laptop"
//	    name: "Work laptop"
//	}
//	store: path: "froyosync.db"
//	remote: {
//	    kind: "sftp"
//	    sftp: {
//	        root: "/srv/froyosync"
//	        poll_interval: "5s"
//	        ssh: {
//	            host:        "sync.example.com"
//	            user:        "sync"
//	            auth_method: "key"
//	        }
//	    }
//	}
//	policy: {
//	    merge:    "merge"
//	    sync:     "prefer_updated"
//	    strategy: "starlark"
//	    script:   "merge.star"
//	}
//	encryption: {
//	    enabled: true
//	    salt:    "c2FsdHNhbHRzYWx0c2FsdA=="
//	}
//
// Relative store and script paths are resolved against the directory of the
// configuration file. The encryption passphrase is never stored in the file;
// it is read from the environment variable named by passphrase_env
// (FROYOSYNC_PASSPHRASE by default).
//
// # Hot Reload
//
// Watcher reloads the configuration when the file or its merge script changes
// and hands the new Config to a callback. Bursts of events are debounced, and
// a file that fails to load is logged and ignored so the running
// configuration stays in effect.
package config
