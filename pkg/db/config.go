package db

type Config struct {
	Type string
	// DSN, when set, is used verbatim and Host/Port/Name/User/Password/
	// SSLMode are ignored. Populated from DATABASE_URL.
	DSN             string
	Host            string
	Port            string
	Name            string
	User            string
	Password        string
	SSLMode         string
	MaxIdleConn     int
	MaxOpenConn     int
	ConnMaxLifetime int
	ConnMaxIdleTime int
}
