package journal

// Schema columns follow Header; stop_unix mirrors stop_at for range queries.
const Schema = `
CREATE TABLE IF NOT EXISTS positions (
	position_id TEXT NOT NULL,
	session TEXT NOT NULL,
	run_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	strategy_id INTEGER NOT NULL,
	comment TEXT NOT NULL,
	volume TEXT NOT NULL,
	entry_time TEXT NOT NULL,
	exit_time TEXT NOT NULL,
	entry_price TEXT NOT NULL,
	exit_price TEXT NOT NULL,
	profit TEXT NOT NULL,
	commission TEXT NOT NULL,
	swap TEXT NOT NULL,
	stop_at TEXT NOT NULL,
	outcome TEXT NOT NULL,
	sim_exit_time TEXT NOT NULL,
	sim_exit_price TEXT NOT NULL,
	sim_profit TEXT NOT NULL,
	stop_unix INTEGER NOT NULL,
	PRIMARY KEY (position_id, session)
);

CREATE INDEX IF NOT EXISTS idx_positions_stop ON positions(stop_unix);
`
