package sqlstore

// Схема минимального персистентного состояния. Частичные уникальные индексы
// ux_instances_one_primary и ux_instances_one_replica дублируют инварианты «не больше
// одного активного PRIMARY» и «не больше одной активной REPLICA» на уровне хранилища;
// основная защита: CAS по version и проверка внутри транзакции.

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		logical_agent_id TEXT NOT NULL,
		status TEXT NOT NULL,
		auto_switch_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		manual_replica_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		instance_type TEXT NOT NULL DEFAULT '',
		region TEXT NOT NULL DEFAULT '',
		az TEXT NOT NULL DEFAULT '',
		current_replica_id TEXT,
		last_heartbeat_at TIMESTAMPTZ,
		version BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CHECK (NOT (auto_switch_enabled AND manual_replica_enabled))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agents_logical ON agents(client_id, logical_agent_id)`,
	`CREATE TABLE IF NOT EXISTS instances (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL REFERENCES agents(id),
		role TEXT NOT NULL,
		status TEXT NOT NULL,
		pool_id TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL,
		purpose TEXT NOT NULL,
		event_id TEXT NOT NULL DEFAULT '',
		version BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL,
		ready_at TIMESTAMPTZ,
		terminated_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_instances_agent ON instances(agent_id, role)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_instances_one_primary ON instances(agent_id) WHERE role = 'PRIMARY' AND is_active`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_instances_one_replica ON instances(agent_id) WHERE role = 'REPLICA' AND is_active`,
	`CREATE TABLE IF NOT EXISTS commands (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		agent_id TEXT NOT NULL REFERENCES agents(id),
		type TEXT NOT NULL,
		instance_id TEXT NOT NULL DEFAULT '',
		target_pool_id TEXT NOT NULL DEFAULT '',
		params TEXT NOT NULL DEFAULT '{}',
		priority INTEGER NOT NULL,
		request_id TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		delivered_at TIMESTAMPTZ,
		closed_at TIMESTAMPTZ,
		result TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_commands_queue ON commands(agent_id, status, priority DESC, seq)`,
	`CREATE TABLE IF NOT EXISTS interruption_events (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL REFERENCES agents(id),
		instance_id TEXT NOT NULL,
		signal_type TEXT NOT NULL,
		state TEXT NOT NULL,
		resolution TEXT NOT NULL,
		replica_id TEXT NOT NULL DEFAULT '',
		detected_at TIMESTAMPTZ NOT NULL,
		deadline TIMESTAMPTZ,
		closed_at TIMESTAMPTZ,
		version BIGINT NOT NULL DEFAULT 1
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_instance ON interruption_events(instance_id, state)`,
	`CREATE INDEX IF NOT EXISTS idx_events_agent ON interruption_events(agent_id, detected_at)`,
	`CREATE TABLE IF NOT EXISTS idempotency_records (
		request_id TEXT PRIMARY KEY,
		result TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency_records(expires_at)`,
	`CREATE TABLE IF NOT EXISTS transition_log (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		agent_id TEXT NOT NULL DEFAULT '',
		pre_state TEXT NOT NULL DEFAULT '',
		post_state TEXT NOT NULL,
		actor TEXT NOT NULL,
		trace_id TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		timestamp TIMESTAMPTZ NOT NULL
	)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		logical_agent_id TEXT NOT NULL,
		status TEXT NOT NULL,
		auto_switch_enabled BOOLEAN NOT NULL DEFAULT 0,
		manual_replica_enabled BOOLEAN NOT NULL DEFAULT 0,
		instance_type TEXT NOT NULL DEFAULT '',
		region TEXT NOT NULL DEFAULT '',
		az TEXT NOT NULL DEFAULT '',
		current_replica_id TEXT,
		last_heartbeat_at DATETIME,
		version INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		CHECK (NOT (auto_switch_enabled AND manual_replica_enabled))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agents_logical ON agents(client_id, logical_agent_id)`,
	`CREATE TABLE IF NOT EXISTS instances (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL REFERENCES agents(id),
		role TEXT NOT NULL,
		status TEXT NOT NULL,
		pool_id TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL,
		purpose TEXT NOT NULL,
		event_id TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		ready_at DATETIME,
		terminated_at DATETIME
	)`,
	`CREATE INDEX IF NOT EXISTS idx_instances_agent ON instances(agent_id, role)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_instances_one_primary ON instances(agent_id) WHERE role = 'PRIMARY' AND is_active`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_instances_one_replica ON instances(agent_id) WHERE role = 'REPLICA' AND is_active`,
	`CREATE TABLE IF NOT EXISTS commands (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		agent_id TEXT NOT NULL REFERENCES agents(id),
		type TEXT NOT NULL,
		instance_id TEXT NOT NULL DEFAULT '',
		target_pool_id TEXT NOT NULL DEFAULT '',
		params TEXT NOT NULL DEFAULT '{}',
		priority INTEGER NOT NULL,
		request_id TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		delivered_at DATETIME,
		closed_at DATETIME,
		result TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_commands_queue ON commands(agent_id, status, priority DESC, seq)`,
	`CREATE TABLE IF NOT EXISTS interruption_events (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL REFERENCES agents(id),
		instance_id TEXT NOT NULL,
		signal_type TEXT NOT NULL,
		state TEXT NOT NULL,
		resolution TEXT NOT NULL,
		replica_id TEXT NOT NULL DEFAULT '',
		detected_at DATETIME NOT NULL,
		deadline DATETIME,
		closed_at DATETIME,
		version INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_instance ON interruption_events(instance_id, state)`,
	`CREATE INDEX IF NOT EXISTS idx_events_agent ON interruption_events(agent_id, detected_at)`,
	`CREATE TABLE IF NOT EXISTS idempotency_records (
		request_id TEXT PRIMARY KEY,
		result TEXT NOT NULL,
		applied_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency_records(expires_at)`,
	`CREATE TABLE IF NOT EXISTS transition_log (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		agent_id TEXT NOT NULL DEFAULT '',
		pre_state TEXT NOT NULL DEFAULT '',
		post_state TEXT NOT NULL,
		actor TEXT NOT NULL,
		trace_id TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		timestamp DATETIME NOT NULL
	)`,
}
