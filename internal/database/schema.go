package database

// Schema is the complete cache database schema. Dates are stored as
// ISO-8601 text (YYYY-MM-DD); instants are unix seconds. Primary keys
// are ordered for the hot range scan: (symbol, adjust, trade_date).
const Schema = `
CREATE TABLE IF NOT EXISTS assets (
    symbol        TEXT PRIMARY KEY,
    name          TEXT NOT NULL DEFAULT '',
    market        TEXT NOT NULL,
    exchange      TEXT NOT NULL DEFAULT '',
    currency      TEXT NOT NULL DEFAULT '',
    list_date     TEXT NOT NULL DEFAULT '',
    industry      TEXT NOT NULL DEFAULT '',
    total_shares  INTEGER NOT NULL DEFAULT 0,
    float_shares  INTEGER NOT NULL DEFAULT 0,
    pe_ratio      REAL NOT NULL DEFAULT 0,
    pb_ratio      REAL NOT NULL DEFAULT 0,
    updated_at    INTEGER NOT NULL,
    expires_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS daily_bars (
    symbol        TEXT NOT NULL,
    adjust        TEXT NOT NULL DEFAULT '',
    trade_date    TEXT NOT NULL,
    open          REAL NOT NULL,
    high          REAL NOT NULL,
    low           REAL NOT NULL,
    close         REAL NOT NULL,
    volume        INTEGER NOT NULL DEFAULT 0,
    turnover      REAL NOT NULL DEFAULT 0,
    amplitude     REAL NOT NULL DEFAULT 0,
    pct_change    REAL NOT NULL DEFAULT 0,
    change        REAL NOT NULL DEFAULT 0,
    turnover_rate REAL NOT NULL DEFAULT 0,
    fetched_at    INTEGER NOT NULL,
    PRIMARY KEY (symbol, adjust, trade_date)
);

CREATE TABLE IF NOT EXISTS index_bars (
    symbol     TEXT NOT NULL,
    period     TEXT NOT NULL,
    trade_date TEXT NOT NULL,
    open       REAL NOT NULL,
    high       REAL NOT NULL,
    low        REAL NOT NULL,
    close      REAL NOT NULL,
    volume     INTEGER NOT NULL DEFAULT 0,
    turnover   REAL NOT NULL DEFAULT 0,
    fetched_at INTEGER NOT NULL,
    PRIMARY KEY (symbol, period, trade_date)
);

CREATE TABLE IF NOT EXISTS realtime_snapshots (
    symbol     TEXT PRIMARY KEY,
    price      REAL NOT NULL,
    change     REAL NOT NULL DEFAULT 0,
    pct_change REAL NOT NULL DEFAULT 0,
    volume     INTEGER NOT NULL DEFAULT 0,
    turnover   REAL NOT NULL DEFAULT 0,
    high       REAL NOT NULL DEFAULT 0,
    low        REAL NOT NULL DEFAULT 0,
    open       REAL NOT NULL DEFAULT 0,
    prev_close REAL NOT NULL DEFAULT 0,
    quote_time INTEGER NOT NULL,
    fetched_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS data_coverage (
    symbol           TEXT NOT NULL,
    kind             TEXT NOT NULL,
    variant          TEXT NOT NULL DEFAULT '',
    first_date       TEXT NOT NULL DEFAULT '',
    last_date        TEXT NOT NULL DEFAULT '',
    row_count        INTEGER NOT NULL DEFAULT 0,
    last_refreshed   INTEGER NOT NULL DEFAULT 0,
    last_accessed_at INTEGER NOT NULL DEFAULT 0,
    access_count     INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (symbol, kind, variant)
);

CREATE TABLE IF NOT EXISTS financial_data (
    symbol     TEXT NOT NULL,
    kind       TEXT NOT NULL,
    data       BLOB NOT NULL,
    fetched_at INTEGER NOT NULL,
    expires_at INTEGER NOT NULL,
    PRIMARY KEY (symbol, kind)
);

CREATE TABLE IF NOT EXISTS request_log (
    id             TEXT PRIMARY KEY,
    ts             INTEGER NOT NULL,
    endpoint       TEXT NOT NULL,
    symbol         TEXT NOT NULL DEFAULT '',
    market         TEXT NOT NULL DEFAULT '',
    start_date     TEXT NOT NULL DEFAULT '',
    end_date       TEXT NOT NULL DEFAULT '',
    adjust         TEXT NOT NULL DEFAULT '',
    cache_hit      INTEGER NOT NULL DEFAULT 0,
    cache_ratio    REAL NOT NULL DEFAULT 0,
    rows_returned  INTEGER NOT NULL DEFAULT 0,
    gap_segments   INTEGER NOT NULL DEFAULT 0,
    upstream_calls INTEGER NOT NULL DEFAULT 0,
    upstream_ms    INTEGER NOT NULL DEFAULT 0,
    total_ms       INTEGER NOT NULL DEFAULT 0,
    outcome        TEXT NOT NULL,
    error_code     TEXT NOT NULL DEFAULT '',
    detail         BLOB
);

CREATE INDEX IF NOT EXISTS idx_request_log_ts ON request_log(ts);
CREATE INDEX IF NOT EXISTS idx_request_log_endpoint ON request_log(endpoint, ts);
CREATE INDEX IF NOT EXISTS idx_daily_bars_date ON daily_bars(trade_date);
`
