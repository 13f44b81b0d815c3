package dotenv

import (
	"os"
	"regexp"

	"github.com/joho/godotenv"
)

const (
	ProdEnv = "prod"
	DevEnv  = "dev"
	TestEnv = "test"
)

// LoadDotEnvs loads the .env files following the convention: https://github.com/bkeepers/dotenv#what-other-env-files-can-i-use
// It only need to be called once in main function, other code can use env through os.Getenv('ENV_NAME') during runtime
func LoadDotEnvs() error {
	return loadDotEnvs("")
}

func loadDotEnvs(rootPath string) error {
	env := os.Getenv("COMMUNITYMUX_ENV")
	if env == "" {
		env = DevEnv
	}

	// Missing files are fine, every layer is optional. godotenv never overrides
	// a variable that is already set, so the first file to set a key wins.
	// .env.[runtime_env].local has highest priority, usually contains api keys
	godotenv.Load(rootPath + ".env." + env + ".local")
	if env != TestEnv {
		godotenv.Load(rootPath + ".env.local")
	}
	// .env.[runtime_env] usually contains db connection information
	godotenv.Load(rootPath + ".env." + env)
	// .env usually contains shared variables(which might be overwritten by envs above)
	godotenv.Load(rootPath + ".env")
	return nil
}

// LoadDotEnvsInTests loads .env.test from the repository root. godotenv
// resolves paths against cwd, which is the package directory under go test.
// https://github.com/joho/godotenv/issues/43
func LoadDotEnvsInTests() error {
	re := regexp.MustCompile(`^(.*communitymux)`)
	cwd, _ := os.Getwd()
	rootPath := re.Find([]byte(cwd))

	godotenv.Load(string(rootPath) + "/" + ".env.test")
	return nil
}

// IsProdEnv returns true iff the process runs with COMMUNITYMUX_ENV=prod.
func IsProdEnv() bool {
	return os.Getenv("COMMUNITYMUX_ENV") == ProdEnv
}
