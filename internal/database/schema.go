package database

const schema = `
CREATE TABLE IF NOT EXISTS portraits (
    id CHAR(36) PRIMARY KEY,
    client_id VARCHAR(64) NOT NULL,
    pet_name VARCHAR(255) NOT NULL,
    pet_gender VARCHAR(16) NOT NULL,
    style VARCHAR(32) NOT NULL,
    description TEXT,
    preview_url TEXT NOT NULL,
    hd_key TEXT NOT NULL,
    paid TINYINT(1) NOT NULL DEFAULT 0,
    paid_at TIMESTAMP NULL,
    checkout_session_id VARCHAR(128),
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    KEY idx_portraits_client (client_id)
);

CREATE TABLE IF NOT EXISTS client_ledgers (
    client_id VARCHAR(64) PRIMARY KEY,
    free_generations_used INT NOT NULL DEFAULT 0,
    free_retry_used TINYINT(1) NOT NULL DEFAULT 0,
    purchase_count INT NOT NULL DEFAULT 0,
    pack_purchase_count INT NOT NULL DEFAULT 0,
    pack_credits_remaining INT NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS payments (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    client_id VARCHAR(64) NOT NULL,
    portrait_id CHAR(36),
    pack_id BIGINT,
    provider VARCHAR(64) NOT NULL,
    provider_payment_charge_id VARCHAR(128),
    currency VARCHAR(8) NOT NULL,
    amount INT NOT NULL,
    status VARCHAR(16) NOT NULL,
    raw_payload TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    KEY idx_payments_charge (provider, provider_payment_charge_id)
);

CREATE TABLE IF NOT EXISTS credit_packs (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    title VARCHAR(255) NOT NULL,
    description TEXT,
    currency VARCHAR(8) NOT NULL,
    price_minor_units INT NOT NULL,
    credits INT NOT NULL,
    is_active TINYINT(1) NOT NULL DEFAULT 1,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS promo_codes (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    code VARCHAR(64) NOT NULL UNIQUE,
    max_uses INT NOT NULL,
    uses INT NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS promo_redemptions (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    client_id VARCHAR(64) NOT NULL,
    promo_code_id BIGINT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE KEY uniq_client_promo (client_id, promo_code_id),
    FOREIGN KEY (promo_code_id) REFERENCES promo_codes(id)
);
`
