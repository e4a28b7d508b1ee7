package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/itangbaotop/itangbao-auth/internal/domain"
)

// Compile-time interface assertions.
var (
	_ UserRepository        = (*PostgresUserRepo)(nil)
	_ AccountRepository     = (*PostgresAccountRepo)(nil)
	_ ApplicationRepository = (*PostgresApplicationRepo)(nil)
	_ CodeRepository        = (*PostgresCodeRepo)(nil)
	_ TokenRepository       = (*PostgresTokenRepo)(nil)
	_ MagicLinkRepository   = (*PostgresMagicLinkRepo)(nil)
)

// PostgresUserRepo implements UserRepository.
type PostgresUserRepo struct {
	db *pgxpool.Pool
}

func NewPostgresUserRepo(pool *pgxpool.Pool) *PostgresUserRepo {
	return &PostgresUserRepo{db: pool}
}

const userColumns = `id, email, name, image, role, password_hash, email_verified_at, created_at, updated_at`

func scanUser(row pgx.Row) (domain.User, error) {
	var user domain.User
	var image, passwordHash sql.NullString
	var verifiedAt sql.NullTime
	if err := row.Scan(
		&user.ID,
		&user.Email,
		&user.Name,
		&image,
		&user.Role,
		&passwordHash,
		&verifiedAt,
		&user.CreatedAt,
		&user.UpdatedAt,
	); err != nil {
		return domain.User{}, err
	}
	user.Image = image.String
	user.PasswordHash = passwordHash.String
	if verifiedAt.Valid {
		t := verifiedAt.Time
		user.EmailVerifiedAt = &t
	}
	return user, nil
}

func (r *PostgresUserRepo) GetByEmail(ctx context.Context, email string) (domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	user, err := scanUser(r.db.QueryRow(ctx, query, email))
	if err != nil {
		return domain.User{}, fmt.Errorf("get user by email: %w", err)
	}
	return user, nil
}

func (r *PostgresUserRepo) GetByID(ctx context.Context, userID int64) (domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	user, err := scanUser(r.db.QueryRow(ctx, query, userID))
	if err != nil {
		return domain.User{}, fmt.Errorf("get user by id: %w", err)
	}
	return user, nil
}

func (r *PostgresUserRepo) Create(ctx context.Context, user domain.User) (domain.User, error) {
	query := `INSERT INTO users (id, email, name, image, role, password_hash, email_verified_at)
VALUES ($1, $2, $3, NULLIF($4, ''), $5, NULLIF($6, ''), $7)
RETURNING ` + userColumns
	created, err := scanUser(r.db.QueryRow(ctx, query,
		user.ID,
		user.Email,
		user.Name,
		user.Image,
		user.Role,
		user.PasswordHash,
		user.EmailVerifiedAt,
	))
	if err != nil {
		return domain.User{}, fmt.Errorf("create user: %w", err)
	}
	return created, nil
}

func (r *PostgresUserRepo) UpdateProfile(ctx context.Context, userID int64, name, image string) (domain.User, error) {
	query := `UPDATE users SET name = $2, image = NULLIF($3, ''), updated_at = now()
WHERE id = $1
RETURNING ` + userColumns
	updated, err := scanUser(r.db.QueryRow(ctx, query, userID, name, image))
	if err != nil {
		return domain.User{}, fmt.Errorf("update profile: %w", err)
	}
	return updated, nil
}

func (r *PostgresUserRepo) UpdatePassword(ctx context.Context, userID int64, passwordHash string) error {
	tag, err := r.db.Exec(ctx, `UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update password: %w", pgx.ErrNoRows)
	}
	return nil
}

func (r *PostgresUserRepo) MarkEmailVerified(ctx context.Context, userID int64) error {
	if _, err := r.db.Exec(ctx, `UPDATE users SET email_verified_at = now(), updated_at = now() WHERE id = $1 AND email_verified_at IS NULL`, userID); err != nil {
		return fmt.Errorf("mark email verified: %w", err)
	}
	return nil
}

func (r *PostgresUserRepo) CountAdmins(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM users WHERE role = $1`, domain.RoleAdmin).Scan(&count); err != nil {
		return 0, fmt.Errorf("count admins: %w", err)
	}
	return count, nil
}

// PostgresAccountRepo implements AccountRepository.
type PostgresAccountRepo struct {
	db *pgxpool.Pool
}

func NewPostgresAccountRepo(pool *pgxpool.Pool) *PostgresAccountRepo {
	return &PostgresAccountRepo{db: pool}
}

func (r *PostgresAccountRepo) GetByProvider(ctx context.Context, provider, providerAccountID string) (domain.Account, error) {
	var account domain.Account
	if err := r.db.QueryRow(ctx,
		`SELECT id, user_id, provider, provider_account_id, created_at FROM accounts WHERE provider = $1 AND provider_account_id = $2`,
		provider, providerAccountID,
	).Scan(&account.ID, &account.UserID, &account.Provider, &account.ProviderAccountID, &account.CreatedAt); err != nil {
		return domain.Account{}, fmt.Errorf("get account: %w", err)
	}
	return account, nil
}

func (r *PostgresAccountRepo) Create(ctx context.Context, account domain.Account) (domain.Account, error) {
	if err := r.db.QueryRow(ctx,
		`INSERT INTO accounts (id, user_id, provider, provider_account_id) VALUES ($1, $2, $3, $4) RETURNING created_at`,
		account.ID, account.UserID, account.Provider, account.ProviderAccountID,
	).Scan(&account.CreatedAt); err != nil {
		return domain.Account{}, fmt.Errorf("create account: %w", err)
	}
	return account, nil
}

// PostgresApplicationRepo implements ApplicationRepository.
type PostgresApplicationRepo struct {
	db *pgxpool.Pool
}

func NewPostgresApplicationRepo(pool *pgxpool.Pool) *PostgresApplicationRepo {
	return &PostgresApplicationRepo{db: pool}
}

const applicationColumns = `id, name, description, domain, redirect_uris, client_id, client_secret, is_active, created_by, created_at, updated_at`

func scanApplication(row pgx.Row) (domain.Application, error) {
	var app domain.Application
	var description sql.NullString
	if err := row.Scan(
		&app.ID,
		&app.Name,
		&description,
		&app.Domain,
		&app.RedirectURIs,
		&app.ClientID,
		&app.ClientSecret,
		&app.IsActive,
		&app.CreatedBy,
		&app.CreatedAt,
		&app.UpdatedAt,
	); err != nil {
		return domain.Application{}, err
	}
	app.Description = description.String
	return app, nil
}

func (r *PostgresApplicationRepo) GetByClientID(ctx context.Context, clientID string) (domain.Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE client_id = $1`
	app, err := scanApplication(r.db.QueryRow(ctx, query, clientID))
	if err != nil {
		return domain.Application{}, fmt.Errorf("get application: %w", err)
	}
	return app, nil
}

func (r *PostgresApplicationRepo) List(ctx context.Context) ([]domain.Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications ORDER BY created_at DESC`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	defer rows.Close()

	var apps []domain.Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("scan application: %w", err)
		}
		apps = append(apps, app)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	return apps, nil
}

func (r *PostgresApplicationRepo) ListActiveDomains(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT DISTINCT domain FROM applications WHERE is_active = TRUE AND domain <> ''`)
	if err != nil {
		return nil, fmt.Errorf("list active domains: %w", err)
	}
	defer rows.Close()

	var domains []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan domain: %w", err)
		}
		domains = append(domains, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active domains: %w", err)
	}
	return domains, nil
}

func (r *PostgresApplicationRepo) Create(ctx context.Context, app domain.Application) (domain.Application, error) {
	query := `INSERT INTO applications (id, name, description, domain, redirect_uris, client_id, client_secret, is_active, created_by)
VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9)
RETURNING ` + applicationColumns
	created, err := scanApplication(r.db.QueryRow(ctx, query,
		app.ID,
		app.Name,
		app.Description,
		app.Domain,
		app.RedirectURIs,
		app.ClientID,
		app.ClientSecret,
		app.IsActive,
		app.CreatedBy,
	))
	if err != nil {
		return domain.Application{}, fmt.Errorf("create application: %w", err)
	}
	return created, nil
}

func (r *PostgresApplicationRepo) Update(ctx context.Context, app domain.Application) (domain.Application, error) {
	query := `UPDATE applications
SET name = $2, description = NULLIF($3, ''), domain = $4, redirect_uris = $5, is_active = $6, updated_at = now()
WHERE client_id = $1
RETURNING ` + applicationColumns
	updated, err := scanApplication(r.db.QueryRow(ctx, query,
		app.ClientID,
		app.Name,
		app.Description,
		app.Domain,
		app.RedirectURIs,
		app.IsActive,
	))
	if err != nil {
		return domain.Application{}, fmt.Errorf("update application: %w", err)
	}
	return updated, nil
}

func (r *PostgresApplicationRepo) Delete(ctx context.Context, clientID string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM applications WHERE client_id = $1`, clientID)
	if err != nil {
		return fmt.Errorf("delete application: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete application: %w", pgx.ErrNoRows)
	}
	return nil
}

// PostgresCodeRepo implements CodeRepository.
type PostgresCodeRepo struct {
	db *pgxpool.Pool
}

func NewPostgresCodeRepo(pool *pgxpool.Pool) *PostgresCodeRepo {
	return &PostgresCodeRepo{db: pool}
}

func (r *PostgresCodeRepo) Create(ctx context.Context, code domain.AuthorizationCode) error {
	query := `INSERT INTO authorization_codes
(id, code, user_id, client_id, redirect_uri, scope, state, code_challenge, code_challenge_method, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), $10)`
	if _, err := r.db.Exec(ctx, query,
		code.ID,
		code.Code,
		code.UserID,
		code.ClientID,
		code.RedirectURI,
		code.Scope,
		code.State,
		code.CodeChallenge,
		code.CodeChallengeMethod,
		code.ExpiresAt,
	); err != nil {
		return fmt.Errorf("insert code: %w", err)
	}
	return nil
}

// ConsumeCode flips is_used in the same statement that reads the row, so
// two concurrent redemptions can never both succeed. The redirect_uri is
// part of the match: a mismatched redemption attempt leaves the code
// intact for the holder of the real binding.
func (r *PostgresCodeRepo) ConsumeCode(ctx context.Context, code, clientID, redirectURI string) (domain.AuthorizationCode, error) {
	query := `UPDATE authorization_codes
SET is_used = TRUE
WHERE code = $1 AND client_id = $2 AND redirect_uri = $3 AND is_used = FALSE AND expires_at > now()
RETURNING id, code, user_id, client_id, redirect_uri, scope, COALESCE(state, ''), COALESCE(code_challenge, ''), COALESCE(code_challenge_method, ''), expires_at, is_used, created_at`

	var consumed domain.AuthorizationCode
	if err := r.db.QueryRow(ctx, query, code, clientID, redirectURI).Scan(
		&consumed.ID,
		&consumed.Code,
		&consumed.UserID,
		&consumed.ClientID,
		&consumed.RedirectURI,
		&consumed.Scope,
		&consumed.State,
		&consumed.CodeChallenge,
		&consumed.CodeChallengeMethod,
		&consumed.ExpiresAt,
		&consumed.IsUsed,
		&consumed.CreatedAt,
	); err != nil {
		return domain.AuthorizationCode{}, fmt.Errorf("consume code: %w", err)
	}
	return consumed, nil
}

func (r *PostgresCodeRepo) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM authorization_codes WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("delete expired codes: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PostgresTokenRepo implements TokenRepository.
type PostgresTokenRepo struct {
	db *pgxpool.Pool
}

func NewPostgresTokenRepo(pool *pgxpool.Pool) *PostgresTokenRepo {
	return &PostgresTokenRepo{db: pool}
}

const tokenColumns = `id, token, user_id, client_id, scope, expires_at, is_revoked, created_at, updated_at`

func scanToken(row pgx.Row) (domain.RefreshToken, error) {
	var token domain.RefreshToken
	if err := row.Scan(
		&token.ID,
		&token.Token,
		&token.UserID,
		&token.ClientID,
		&token.Scope,
		&token.ExpiresAt,
		&token.IsRevoked,
		&token.CreatedAt,
		&token.UpdatedAt,
	); err != nil {
		return domain.RefreshToken{}, err
	}
	return token, nil
}

const insertTokenSQL = `INSERT INTO refresh_tokens (id, token, user_id, client_id, scope, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING ` + tokenColumns

func (r *PostgresTokenRepo) Create(ctx context.Context, token domain.RefreshToken) (domain.RefreshToken, error) {
	created, err := scanToken(r.db.QueryRow(ctx, insertTokenSQL,
		token.ID,
		token.Token,
		token.UserID,
		token.ClientID,
		token.Scope,
		token.ExpiresAt,
	))
	if err != nil {
		return domain.RefreshToken{}, fmt.Errorf("insert token: %w", err)
	}
	return created, nil
}

func (r *PostgresTokenRepo) GetActive(ctx context.Context, token string) (domain.RefreshToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM refresh_tokens
WHERE token = $1 AND is_revoked = FALSE AND expires_at > now()`
	found, err := scanToken(r.db.QueryRow(ctx, query, token))
	if err != nil {
		return domain.RefreshToken{}, fmt.Errorf("get refresh token: %w", err)
	}
	return found, nil
}

// Rotate revokes oldToken and inserts next inside one transaction. The
// conditional revoke carries the race: if another request rotated or
// revoked the row first, zero rows match and the transaction rolls back.
func (r *PostgresTokenRepo) Rotate(ctx context.Context, oldToken string, next domain.RefreshToken) (domain.RefreshToken, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.RefreshToken{}, fmt.Errorf("begin rotate: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE refresh_tokens SET is_revoked = TRUE, updated_at = now()
WHERE token = $1 AND is_revoked = FALSE AND expires_at > now()`,
		oldToken,
	)
	if err != nil {
		return domain.RefreshToken{}, fmt.Errorf("revoke old token: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return domain.RefreshToken{}, fmt.Errorf("revoke old token: %w", pgx.ErrNoRows)
	}

	created, err := scanToken(tx.QueryRow(ctx, insertTokenSQL,
		next.ID,
		next.Token,
		next.UserID,
		next.ClientID,
		next.Scope,
		next.ExpiresAt,
	))
	if err != nil {
		return domain.RefreshToken{}, fmt.Errorf("insert rotated token: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.RefreshToken{}, fmt.Errorf("commit rotate: %w", err)
	}
	return created, nil
}

func (r *PostgresTokenRepo) RevokeByToken(ctx context.Context, token string) error {
	if _, err := r.db.Exec(ctx,
		`UPDATE refresh_tokens SET is_revoked = TRUE, updated_at = now() WHERE token = $1 AND is_revoked = FALSE`,
		token,
	); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func (r *PostgresTokenRepo) RevokeAllForUser(ctx context.Context, userID int64) error {
	if _, err := r.db.Exec(ctx,
		`UPDATE refresh_tokens SET is_revoked = TRUE, updated_at = now() WHERE user_id = $1 AND is_revoked = FALSE`,
		userID,
	); err != nil {
		return fmt.Errorf("revoke user tokens: %w", err)
	}
	return nil
}

func (r *PostgresTokenRepo) RevokeForUserAndClient(ctx context.Context, userID int64, clientID string) error {
	if _, err := r.db.Exec(ctx,
		`UPDATE refresh_tokens SET is_revoked = TRUE, updated_at = now() WHERE user_id = $1 AND client_id = $2 AND is_revoked = FALSE`,
		userID, clientID,
	); err != nil {
		return fmt.Errorf("revoke client tokens: %w", err)
	}
	return nil
}

func (r *PostgresTokenRepo) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM refresh_tokens WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PostgresMagicLinkRepo implements MagicLinkRepository.
type PostgresMagicLinkRepo struct {
	db *pgxpool.Pool
}

func NewPostgresMagicLinkRepo(pool *pgxpool.Pool) *PostgresMagicLinkRepo {
	return &PostgresMagicLinkRepo{db: pool}
}

func (r *PostgresMagicLinkRepo) Create(ctx context.Context, link domain.MagicLink) error {
	if _, err := r.db.Exec(ctx,
		`INSERT INTO magic_links (id, email, token, expires_at) VALUES ($1, $2, $3, $4)`,
		link.ID, link.Email, link.Token, link.ExpiresAt,
	); err != nil {
		return fmt.Errorf("insert magic link: %w", err)
	}
	return nil
}

func (r *PostgresMagicLinkRepo) ConsumeToken(ctx context.Context, token string) (domain.MagicLink, error) {
	query := `UPDATE magic_links
SET used = TRUE
WHERE token = $1 AND used = FALSE AND expires_at > now()
RETURNING id, email, token, expires_at, used, created_at`

	var link domain.MagicLink
	if err := r.db.QueryRow(ctx, query, token).Scan(
		&link.ID,
		&link.Email,
		&link.Token,
		&link.ExpiresAt,
		&link.Used,
		&link.CreatedAt,
	); err != nil {
		return domain.MagicLink{}, fmt.Errorf("consume magic link: %w", err)
	}
	return link, nil
}
