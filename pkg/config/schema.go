package config

// configSchema is the CUE schema every configuration file is unified with,
// whatever its format. Definitions are closed, so unknown fields are errors.
const configSchema = `
#Duration: string | int

#Endpoint: {
	host:                    string & != ""
	port?:                   int & >=0 & <=65535
	user:                    string & != ""
	auth_method?:            "password" | "key"
	password?:               string
	private_key_path?:       string
	private_key_passphrase?: string
}

#SSH: {
	#Endpoint
	known_hosts_path?:         string
	strict_host_key_checking?: bool
	connection_timeout?:       #Duration
	keep_alive_interval?:      #Duration
	max_keep_alive_retries?:   int & >=0
	jump?:                     #Endpoint
}

#SFTP: {
	ssh:            #SSH
	root:           string & != ""
	poll_interval?: #Duration
}

#Redis: {
	addr:             string & =~"^[^:]*:[0-9]+$"
	username?:        string
	password?:        string
	db?:              int & >=0
	prefix?:          string
	health_interval?: #Duration
}

#Remote: {
	kind:   "memory" | "sftp" | "redis"
	sftp?:  #SFTP
	redis?: #Redis
}

#Store: {
	path:               string & != ""
	max_open_conns?:    int & >=0
	max_idle_conns?:    int & >=0
	conn_max_lifetime?: #Duration
}

#Policy: {
	merge:     "keep_local" | "keep_remote" | "merge"
	sync:      "prefer_local" | "prefer_remote" | "prefer_updated" | "prefer_deleted"
	strategy?: "static" | "rego" | "starlark"
	script?:   string
}

#Encryption: {
	enabled?:        bool
	passphrase_env?: string
	salt?:           string
}

#Config: {
	device: {
		id:    string & != ""
		name?: string
	}
	store:       #Store
	remote:      #Remote
	policy:      #Policy
	encryption?: #Encryption
	telemetry?: {...}
}
`
