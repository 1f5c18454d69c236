package config

// Sample is the commented configuration written by --generate-config.
const Sample = `# MMRelay configuration.
# Validate with: mmrelay --check-config --config /path/to/config.yaml

matrix:
  homeserver: https://example.matrix.org
  # Legacy inline auth. Prefer a credentials.json written by the login tool;
  # when that file exists these two fields are ignored.
  access_token: "syt_replace_me"
  bot_user_id: "@mmrelay:example.matrix.org"
  e2ee:
    enabled: false
    # store_path: /var/lib/mmrelay/store
  prefix_enabled: true
  # Variables: {long} {short} {mesh} and truncated forms {longN} {meshN}, N in 1..20.
  prefix_format: "[{long}/{mesh}]: "

matrix_rooms:
  - id: "!yourroom:example.matrix.org"
    meshtastic_channel: 0

meshtastic:
  # serial, tcp, or ble
  connection_type: serial
  serial_port: /dev/ttyUSB0
  # host: meshtastic.local
  # ble_address: AA:BB:CC:DD:EE:FF
  meshnet_name: MyMesh
  broadcast_enabled: true
  detection_sensor: false
  prefix_enabled: true
  # Variables: {display} {user} {username} {server} and {displayN}, N in 1..20.
  prefix_format: "{display5}[M]: "
  message_interactions:
    reactions: false
    replies: false
  # Seconds between radio sends. Firmware minimum is 2.0.
  message_delay: 2.2
  health_check:
    enabled: true
    heartbeat_interval: 60

database:
  msg_map:
    # How many relayed messages to keep for reaction/reply correlation.
    # 0 disables pruning.
    msgs_to_keep: 500

logging:
  level: info
  log_to_file: false
  # filename: /var/log/mmrelay.log
  # max_log_size: 10   # MiB per file
  # backup_count: 5
`
