/*
bio-jump builds and queries jump databases.

Build a database from a FASTA file (plain, .gz or .xz):

  bio-jump -build -ref hg19.fa.gz -db /data/hg19_15 -hash-size 15

This creates /data/hg19_15_meta.jmp, /data/hg19_15_keys.jmp and
/data/hg19_15_positions.jmp.

Look up every k-mer of a sequence and print the hits, one per line, as
"genome-begin genome-end query-begin query-end":

  bio-jump -lookup GATTACAGATTACAGATTACA -db /data/hg19_15 -hash-size 15

Print the header and reference table of a database:

  bio-jump -info -db /data/hg19_15 -hash-size 15
*/
package main
