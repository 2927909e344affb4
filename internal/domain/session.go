package domain

// SessionID identifies one live signaling connection. It is minted on
// connect and stays stable until the connection goes away.
type SessionID string
