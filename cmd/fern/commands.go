package main

// setupCommands initializes all commands and their relationships
func setupCommands() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)

	rootCmd.AddCommand(batchesCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(promoteCmd)
}
