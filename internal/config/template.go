// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

const configTemplate = `# config.toml - Auto-generated on first run

# Hostname / IP
# Default: "localhost" (or "0.0.0.0" in containers)
host = "{{ .host }}"

# Port of the status API
# Default: 9705
port = {{ .port }}

# Base URL
# Set custom baseUrl eg /huntarr/ to serve in subdirectory.
# Optional
#baseUrl = "/huntarr/"

# Log file path
# If not defined, logs to stdout
# Optional
#logPath = "log/huntarr.log"

# Log rotation
# Maximum log file size in megabytes before rotation
# Default: {{ .logMaxSize }}
#logMaxSize = {{ .logMaxSize }}

# Number of rotated log files to retain (0 keeps all)
# Default: {{ .logMaxBackups }}
#logMaxBackups = {{ .logMaxBackups }}

# Data directory (default: next to config file)
# Database file (huntarr.db) will be created inside this directory
#dataDir = "/var/db/huntarr"

# Log level
# Default: "INFO"
# Options: "ERROR", "DEBUG", "INFO", "WARN", "TRACE"
logLevel = "{{ .logLevel }}"

# Timeout of a single call to an arr instance
# Default: "120s"
#apiTimeout = "120s"

# How often an instance outside its schedule window re-checks it
# Default: "1m"
#statePollInterval = "1m"

# Upper bound of the retry backoff for unreachable instances and failing cycles
# Default: "30m"
#maxBackoff = "30m"

# Hunt history and cycle records older than this are pruned
# Default: "720h"
#historyRetention = "720h"

# How long shutdown and reload wait for in-flight searches before cancelling them
# Default: "30s"
#shutdownTimeout = "30s"

# First retry delay after an instance fails its connectivity check
# Default: "30s"
#validateInterval = "30s"

# Prometheus Metrics
# Enable Prometheus metrics on separate port
# Default: false
#metricsEnabled = false

# Metrics server host (bind address for metrics endpoint)
# Default: "127.0.0.1"
# Set to "0.0.0.0" to bind to all interfaces if needed
#metricsHost = "127.0.0.1"

# Metrics server port (separate from the status API)
# Default: 9074
#metricsPort = 9074

# Basic authentication for metrics endpoint (optional)
# Format: "username:bcrypt_hash" or "user1:hash1,user2:hash2" for multiple users
# Passwords must be bcrypt-hashed. Use tools like htpasswd or online bcrypt generators
# Leave empty to disable authentication (default)
#metricsBasicAuthUsers = ""

# Instances
# One [[instances]] table per arr instance. Names are unique per app.
# app: sonarr, radarr, lidarr, readarr, whisparr, whisparrv3
# The API key can also be set with HUNTARR__<APP>_<NAME>_API_KEY (or _FILE).
#
#[[instances]]
#app = "sonarr"
#name = "Main"
#url = "http://localhost:8989"
#apiKey = ""
#enabled = true
#
## Items searched per cycle; 0 disables that kind
#missingPerCycle = 1
#upgradesPerCycle = 0
#
## Search commands allowed per hour; 0 disables hunting
#hourlyCap = 20
#
## "search" charges only search commands, "all" also charges list and queue calls
#budgetScope = "search"
#
## An item is not searched again within this window
#dedupWindow = "24h"
#
## Pause between cycles
#sleep = "15m"
#
## oldest, newest or shuffle
#selectionOrder = "oldest"
#monitoredOnly = true
#skipFutureReleases = true
#
## Skip the cycle while the download queue holds at least this many items; 0 disables
#maxQueueSize = 0
#
## Expression evaluated per candidate, eg: Kind == "missing" && Title contains "Pilot"
#candidateFilter = ""
#
## Poll the search command until it completes before the next one
#waitForCommand = false
#
#paused = false
#timezone = "UTC"
#
## Hunting is only allowed inside these windows when any are set
#[[instances.windows]]
#days = ["mon", "tue", "wed", "thu", "fri"]
#start = "01:00"
#end = "06:00"
#
#[instances.stall]
#enabled = false
#threshold = "30m"
#pollInterval = "5m"
#strikeLimit = 3
#removeFromClient = true
#blocklist = true
#research = true
`
