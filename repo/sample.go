package repo

// sampleConfig is written to the data directory on first run.
const sampleConfig = `[Application Options]

; The logging level [debug, info, notice, warning, error, critical].
; loglevel=info

; Store pool members. Use 'embedded' for an in-process node or the RPC
; API address of a running node. The first one is the primary.
; storenode=embedded
; storenode=http://127.0.0.1:5001

; Remote pinning service. Pins are kept on the primary store node when
; the endpoint is empty.
; pinservice=
; pinservicetoken=

; Node receiving DAG imports for pins that stall.
; dagimportnode=

; Gateway host used for asset and feed URLs.
; gateway=dweb.link

; Number of owners refreshed at the same time.
; concurrency=5

; refreshinterval=1h
; refreshlimit=0
; recordlifetime=48h
; managedkeys=false

; compactinterval=6h
; compactlimit=500
; compactoffset=1000

; purgeinterval=24h
; usagethreshold=0.9
; pinlimit=100000
; bytelimit=0
; namelimit=10000

; Interface/port for the resolver HTTP API.
; resolverlisten=127.0.0.1:8080

; Database [sqlite3, mysql, postgres].
; dbdialect=sqlite3
; dbhost=
; dbname=feedpinner
; dbuser=
; dbpass=
`
