package database

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id BIGINT PRIMARY KEY,
    username VARCHAR(255),
    full_name VARCHAR(255),
    balance BIGINT NOT NULL DEFAULT 0,
    tariff VARCHAR(16) NOT NULL DEFAULT 'demo',
    tariff_expires_at TIMESTAMP NULL DEFAULT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS generations (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    user_id BIGINT NOT NULL,
    model VARCHAR(64) NOT NULL,
    prompt TEXT NOT NULL,
    aspect_ratio VARCHAR(8) NOT NULL DEFAULT '1:1',
    resolution VARCHAR(8) NOT NULL DEFAULT '1K',
    status VARCHAR(16) NOT NULL DEFAULT 'pending',
    cost BIGINT NOT NULL DEFAULT 0,
    tokens_used INT NOT NULL DEFAULT 0,
    result_url TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (user_id) REFERENCES users(id)
);
`
